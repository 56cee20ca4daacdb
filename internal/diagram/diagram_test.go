package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/internal/graph"
	"github.com/adhens/cyclone/pkg/schema"
)

func loopDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "refinement",
		Nodes: []schema.NodeDefinition{
			{ID: "seed", Type: "constant"},
			{ID: "acc", Type: "counter"},
			{ID: "report", Type: "eval", Condition: "true"},
		},
		Connections: []schema.Connection{
			{From: "seed", FromPath: "value", To: "acc", ToInput: "count"},
			{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
			{From: "acc", FromPath: "count", To: "report", ToInput: "total"},
		},
		Cycles: []schema.CycleConfig{
			{
				ID:      "loop",
				Members: []string{"acc"},
				Carries: []schema.CycleEdge{
					{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
				},
				Condition:     "count >= 3",
				MaxIterations: 10,
			},
		},
	}
}

func buildModel(t *testing.T) *Model {
	t.Helper()
	def := loopDefinition()
	plan, err := graph.Build(def)
	require.NoError(t, err)
	return FromDefinition(def, plan)
}

func TestFromDefinition(t *testing.T) {
	m := buildModel(t)

	assert.Equal(t, "refinement", m.Title)
	assert.Len(t, m.Nodes, 3)
	// Three connections plus one carry edge.
	assert.Len(t, m.Edges, 4)
	require.Len(t, m.Cycles, 1)
	assert.Equal(t, "loop", m.Cycles[0].ID)

	carries := 0
	for _, e := range m.Edges {
		if e.Carry {
			carries++
		}
	}
	assert.Equal(t, 1, carries)

	// seed segment, the cycle, then the report segment.
	require.Len(t, m.Order, 3)
	assert.Equal(t, "segment", m.Order[0].Kind)
	assert.Equal(t, "cycle", m.Order[1].Kind)
	assert.Equal(t, "loop", m.Order[1].ID)
	assert.Equal(t, "segment", m.Order[2].Kind)
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(buildModel(t))

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `subgraph loop["loop: until count >= 3"]`)
	// Carry edges are dashed.
	assert.Contains(t, out, "acc -.->|count| acc")
	assert.Contains(t, out, "seed -->|count| acc")
	// Cycle members are styled.
	assert.Contains(t, out, "class acc cycleNode")
	// Guarded nodes render as decisions.
	assert.Contains(t, out, "class report guarded")
}

func TestRenderMermaidSafeIDs(t *testing.T) {
	m := &Model{
		Nodes: []Node{{ID: "fetch-data.v2"}},
	}
	out := RenderMermaid(m)
	assert.Contains(t, out, "fetch_data_v2[")
	assert.NotContains(t, out, "fetch-data.v2[")
}

func TestRenderText(t *testing.T) {
	out := RenderText(buildModel(t))

	assert.Contains(t, out, "=== refinement ===")
	assert.Contains(t, out, "1. segment  seed")
	assert.Contains(t, out, "2. cycle loop")
	assert.Contains(t, out, "until: count >= 3 (max 10 iterations)")
	assert.Contains(t, out, "carry: acc ~> acc.count")
	assert.Contains(t, out, "guarded nodes: report")
}
