package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/pkg/schema"
)

func conn(from, to string) schema.Connection {
	return schema.Connection{From: from, To: to, ToInput: "input"}
}

func node(id string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: "constant"}
}

func TestBuildLinearChain(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "chain",
		Nodes: []schema.NodeDefinition{node("a"), node("b"), node("c")},
		Connections: []schema.Connection{
			conn("a", "b"),
			conn("b", "c"),
		},
	}

	plan, err := Build(def)
	require.NoError(t, err)
	require.Len(t, plan.Units, 1)
	assert.Equal(t, UnitSegment, plan.Units[0].Kind)
	assert.Equal(t, []string{"a", "b", "c"}, plan.Units[0].Nodes)
}

func TestBuildSimpleCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "loop",
		Nodes: []schema.NodeDefinition{node("seed"), node("step"), node("check"), node("sink")},
		Connections: []schema.Connection{
			conn("seed", "step"),
			conn("step", "check"),
			conn("check", "step"),
			conn("check", "sink"),
		},
		Cycles: []schema.CycleConfig{{
			ID:      "loop",
			Members: []string{"step", "check"},
			Carries: []schema.CycleEdge{{From: "check", To: "step", ToInput: "input"}},
		}},
	}

	plan, err := Build(def)
	require.NoError(t, err)
	require.Len(t, plan.Units, 3)

	assert.Equal(t, UnitSegment, plan.Units[0].Kind)
	assert.Equal(t, []string{"seed"}, plan.Units[0].Nodes)

	assert.Equal(t, UnitCycle, plan.Units[1].Kind)
	require.NotNil(t, plan.Units[1].Cycle)
	assert.Equal(t, "loop", plan.Units[1].Cycle.ID)
	assert.Equal(t, []string{"step", "check"}, plan.Units[1].Nodes)

	assert.Equal(t, UnitSegment, plan.Units[2].Kind)
	assert.Equal(t, []string{"sink"}, plan.Units[2].Nodes)
}

func TestBuildSelfLoop(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "self",
		Nodes: []schema.NodeDefinition{node("acc")},
		Connections: []schema.Connection{
			conn("acc", "acc"),
		},
		Cycles: []schema.CycleConfig{{
			Members: []string{"acc"},
			Carries: []schema.CycleEdge{{From: "acc", To: "acc", ToInput: "input"}},
		}},
	}

	plan, err := Build(def)
	require.NoError(t, err)
	require.Len(t, plan.Units, 1)
	assert.Equal(t, UnitCycle, plan.Units[0].Kind)
	assert.Equal(t, "cycle:acc", plan.Units[0].Cycle.ID)
	assert.Equal(t, []string{"acc"}, plan.Units[0].Nodes)
}

func TestBuildCycleWithoutConfig(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "orphan",
		Nodes: []schema.NodeDefinition{node("a"), node("b")},
		Connections: []schema.Connection{
			conn("a", "b"),
			conn("b", "a"),
		},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeGraphStructure, engErr.Code)
	assert.Contains(t, engErr.Message, "no cycle config")
}

func TestBuildPartialCycleConfig(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "partial",
		Nodes: []schema.NodeDefinition{node("a"), node("b"), node("c")},
		Connections: []schema.Connection{
			conn("a", "b"),
			conn("b", "c"),
			conn("c", "a"),
		},
		Cycles: []schema.CycleConfig{{
			ID:      "half",
			Members: []string{"a", "b"},
			Carries: []schema.CycleEdge{{From: "b", To: "a", ToInput: "input"}},
		}},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeGraphStructure, engErr.Code)
	assert.Contains(t, engErr.Message, "does not cover")
}

func TestBuildCarryOutsideCycle(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "escape",
		Nodes: []schema.NodeDefinition{node("a"), node("b"), node("x")},
		Connections: []schema.Connection{
			conn("a", "b"),
			conn("b", "a"),
			conn("b", "x"),
		},
		Cycles: []schema.CycleConfig{{
			ID:      "ab",
			Members: []string{"a", "b"},
			Carries: []schema.CycleEdge{{From: "b", To: "x", ToInput: "input"}},
		}},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, engErr.Message, "outside the cycle")
}

func TestBuildNoSinglePassOrder(t *testing.T) {
	// Two opposing edges, only one declared as a carry: what remains is
	// still cyclic.
	def := &schema.WorkflowDefinition{
		Name:  "tangle",
		Nodes: []schema.NodeDefinition{node("a"), node("b"), node("c")},
		Connections: []schema.Connection{
			conn("a", "b"),
			conn("b", "c"),
			conn("c", "a"),
			conn("b", "a"),
		},
		Cycles: []schema.CycleConfig{{
			ID:      "abc",
			Members: []string{"a", "b", "c"},
			Carries: []schema.CycleEdge{{From: "c", To: "a", ToInput: "input"}},
		}},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, engErr.Message, "no single-pass order")
}

func TestBuildUnknownConnectionEndpoint(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:        "dangling",
		Nodes:       []schema.NodeDefinition{node("a")},
		Connections: []schema.Connection{conn("a", "ghost")},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeGraphStructure, engErr.Code)
	assert.Contains(t, engErr.Message, "ghost")
}

func TestBuildDuplicateNodeID(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "dup",
		Nodes: []schema.NodeDefinition{node("a"), node("a")},
	}

	_, err := Build(def)
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeGraphStructure, engErr.Code)
}

func TestBuildTwoCyclesAndBranches(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name: "double",
		Nodes: []schema.NodeDefinition{
			node("init"), node("p"), node("q"), node("mid"), node("r"), node("s"), node("out"),
		},
		Connections: []schema.Connection{
			conn("init", "p"),
			conn("p", "q"),
			conn("q", "p"),
			conn("q", "mid"),
			conn("mid", "r"),
			conn("r", "s"),
			conn("s", "r"),
			conn("s", "out"),
		},
		Cycles: []schema.CycleConfig{
			{ID: "pq", Members: []string{"p", "q"}, Carries: []schema.CycleEdge{{From: "q", To: "p", ToInput: "input"}}},
			{ID: "rs", Members: []string{"r", "s"}, Carries: []schema.CycleEdge{{From: "s", To: "r", ToInput: "input"}}},
		},
	}

	plan, err := Build(def)
	require.NoError(t, err)
	require.Len(t, plan.Units, 5)

	kinds := make([]UnitKind, 0, len(plan.Units))
	for _, u := range plan.Units {
		kinds = append(kinds, u.Kind)
	}
	assert.Equal(t, []UnitKind{UnitSegment, UnitCycle, UnitSegment, UnitCycle, UnitSegment}, kinds)
	assert.Equal(t, "pq", plan.Units[1].Cycle.ID)
	assert.Equal(t, "rs", plan.Units[3].Cycle.ID)
	assert.Equal(t, []string{"mid"}, plan.Units[2].Nodes)
}

func TestBuildDisconnectedNodes(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Name:  "islands",
		Nodes: []schema.NodeDefinition{node("x"), node("y")},
	}

	plan, err := Build(def)
	require.NoError(t, err)
	require.Len(t, plan.Units, 1)
	assert.ElementsMatch(t, []string{"x", "y"}, plan.Units[0].Nodes)
}
