package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/internal/node"
	"github.com/adhens/cyclone/internal/observe"
	"github.com/adhens/cyclone/internal/store"
	"github.com/adhens/cyclone/pkg/schema"
)

func newTestExecutor(t *testing.T, cfg ExecutorConfig) (Executor, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	registry := node.NewRegistry()
	require.NoError(t, node.RegisterBuiltins(registry, expressions.NewExprEngine(), expressions.NewGoJQEngine()))
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	exec, err := NewExecutor(s, registry, cfg)
	require.NoError(t, err)
	return exec, s
}

// counterLoop is a single-node cycle: acc carries its count back into itself
// until the condition holds.
func counterLoop(condition string, maxIterations int, timeout string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name: "counter-loop",
		Nodes: []schema.NodeDefinition{
			{ID: "acc", Type: "counter"},
		},
		Connections: []schema.Connection{
			{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
		},
		Cycles: []schema.CycleConfig{
			{
				ID:      "loop",
				Members: []string{"acc"},
				Carries: []schema.CycleEdge{
					{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
				},
				Condition:     condition,
				MaxIterations: maxIterations,
				Timeout:       timeout,
			},
		},
	}
}

func TestExecuteLinearWorkflow(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "linear",
		Nodes: []schema.NodeDefinition{
			{ID: "seed", Type: "constant", Config: []byte(`{"count": 5}`)},
			{ID: "inc", Type: "counter"},
		},
		Connections: []schema.Connection{
			{From: "seed", FromPath: "count", To: "inc", ToInput: "count"},
		},
	}

	result, err := exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Nil(t, result.Error)
	require.Contains(t, result.NodeOutputs, "inc")
	assert.InEpsilon(t, 6.0, result.NodeOutputs["inc"]["count"], 1e-9)
	require.NotNil(t, result.CompletedAt)

	run, err := s.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)

	events, err := s.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, schema.EventRunStarted)
	assert.Contains(t, types, schema.EventNodeCompleted)
	assert.Contains(t, types, schema.EventRunCompleted)
}

func TestExecuteCounterCycleConverges(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})
	def := counterLoop("count >= 3", 10, "")

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	require.Contains(t, result.Cycles, "loop")
	outcome := result.Cycles["loop"]
	assert.Equal(t, schema.CycleStatusConverged, outcome.Status)
	assert.Equal(t, 3, outcome.Iterations)
	assert.InEpsilon(t, 3.0, outcome.Output["count"], 1e-9)

	// No iteration beyond the converging one was executed.
	records, err := s.ListIterations(context.Background(), result.RunID, "loop")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, i, rec.Iteration)
	}
	require.NotNil(t, records[2].ConditionValue)
	assert.True(t, *records[2].ConditionValue)
	require.NotNil(t, records[0].ConditionValue)
	assert.False(t, *records[0].ConditionValue)
}

func TestExecuteCycleMaxIterations(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})
	def := counterLoop("count >= 100", 5, "")

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)

	// Hitting the cap is a terminal outcome, not a failure.
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Nil(t, result.Error)
	outcome := result.Cycles["loop"]
	assert.Equal(t, schema.CycleStatusMaxIterations, outcome.Status)
	assert.Equal(t, 5, outcome.Iterations)
	assert.InEpsilon(t, 5.0, outcome.Output["count"], 1e-9)
}

func TestExecuteCycleTimeout(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "slow-loop",
		Nodes: []schema.NodeDefinition{
			{ID: "nap", Type: "sleep"},
		},
		Connections: []schema.Connection{
			{From: "nap", FromPath: "slept", To: "nap", ToInput: "duration"},
		},
		Cycles: []schema.CycleConfig{
			{
				ID:      "slow",
				Members: []string{"nap"},
				Carries: []schema.CycleEdge{
					{From: "nap", FromPath: "slept", To: "nap", ToInput: "duration"},
				},
				Condition:     "iteration >= 1000",
				MaxIterations: 10000,
				Timeout:       "40ms",
			},
		},
	}

	result, err := exec.Execute(context.Background(), def,
		map[string]any{"duration": "15ms"})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Nil(t, result.Error)
	outcome := result.Cycles["slow"]
	assert.Equal(t, schema.CycleStatusTimedOut, outcome.Status)
	assert.Less(t, outcome.Iterations, 10)
}

func TestExecuteConditionOnUndefinedField(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})
	def := counterLoop("no_such_field >= 3", 10, "")

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeExpression, result.Error.Code)
	assert.Equal(t, "loop", result.Error.CycleID)
	assert.Equal(t, schema.CycleStatusFailed, result.Cycles["loop"].Status)
}

func TestExecuteNodeFailureInCycle(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "failing-loop",
		Nodes: []schema.NodeDefinition{
			{ID: "work", Type: "counter"},
			{ID: "boom", Type: "fail", Config: []byte(`{"message": "kaput"}`)},
		},
		Connections: []schema.Connection{
			{From: "work", FromPath: "count", To: "boom", ToInput: "ignored"},
			{From: "boom", FromPath: "x", To: "work", ToInput: "count"},
		},
		Cycles: []schema.CycleConfig{
			{
				ID:      "doomed",
				Members: []string{"work", "boom"},
				Carries: []schema.CycleEdge{
					{From: "boom", FromPath: "x", To: "work", ToInput: "count"},
				},
				Condition:     "iteration >= 5",
				MaxIterations: 10,
			},
		},
	}

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 1})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeNodeExecution, result.Error.Code)
	assert.Equal(t, "doomed", result.Error.CycleID)
	assert.Equal(t, "boom", result.Error.NodeID)
	assert.Equal(t, 0, result.Error.Iteration)
	assert.Equal(t, schema.CycleStatusFailed, result.Cycles["doomed"].Status)

	// The member that ran before the failure still committed.
	assert.Contains(t, result.NodeOutputs, "work")
}

func TestExecuteDAGFailurePreservesPartials(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "broken-chain",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Type: "constant", Config: []byte(`{"v": 1}`)},
			{ID: "b", Type: "fail"},
			{ID: "c", Type: "constant", Config: []byte(`{"v": 3}`)},
		},
		Connections: []schema.Connection{
			{From: "a", FromPath: "v", To: "b", ToInput: "x"},
			{From: "b", FromPath: "v", To: "c", ToInput: "x"},
		},
	}

	result, err := exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Contains(t, result.NodeOutputs, "a")
	assert.NotContains(t, result.NodeOutputs, "c")

	states, err := s.ListNodeStates(context.Background(), result.RunID)
	require.NoError(t, err)
	byID := make(map[string]schema.NodeStatus, len(states))
	for _, ns := range states {
		byID[ns.NodeID] = ns.Status
	}
	assert.Equal(t, schema.NodeStatusCompleted, byID["a"])
	assert.Equal(t, schema.NodeStatusFailed, byID["b"])
}

func TestExecuteSkipsNodeWithFalseCondition(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "guarded",
		Nodes: []schema.NodeDefinition{
			{ID: "always", Type: "constant", Config: []byte(`{"v": 1}`)},
			{ID: "never", Type: "constant", Config: []byte(`{"v": 2}`), Condition: "1 > 2"},
		},
	}

	result, err := exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Contains(t, result.NodeOutputs, "always")
	assert.NotContains(t, result.NodeOutputs, "never")

	states, err := s.ListNodeStates(context.Background(), result.RunID)
	require.NoError(t, err)
	for _, ns := range states {
		if ns.NodeID == "never" {
			assert.Equal(t, schema.NodeStatusSkipped, ns.Status)
		}
	}
}

func TestExecuteCancellation(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "long-sleep",
		Nodes: []schema.NodeDefinition{
			{ID: "nap", Type: "sleep"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := exec.Execute(ctx, def, map[string]any{"duration": "2s"})
	require.NoError(t, err)

	// Parent cancellation is distinct from a cycle timeout.
	assert.Equal(t, schema.RunStatusCancelled, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeCancelled, result.Error.Code)
}

func TestExecuteCycleObservedByDebugger(t *testing.T) {
	debugger := observe.NewDebugger()
	exec, _ := newTestExecutor(t, ExecutorConfig{Observer: debugger})
	def := counterLoop("count >= 4", 10, "")

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)
	require.Equal(t, schema.CycleStatusConverged, result.Cycles["loop"].Status)

	report, err := debugger.Report("loop")
	require.NoError(t, err)
	assert.Equal(t, 4, report.Iterations)

	traces := debugger.Traces("loop")
	require.Len(t, traces, 4)
	assert.Equal(t, result.RunID, traces[0].RunID)
	assert.InEpsilon(t, 4.0, traces[3].Outputs["acc"]["count"], 1e-9)
}

func TestExecuteSequentialCycles(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	def := &schema.WorkflowDefinition{
		Name: "two-loops",
		Nodes: []schema.NodeDefinition{
			{ID: "first", Type: "counter"},
			{ID: "second", Type: "counter"},
		},
		Connections: []schema.Connection{
			{From: "first", FromPath: "count", To: "first", ToInput: "count"},
			{From: "first", FromPath: "count", To: "second", ToInput: "count"},
			{From: "second", FromPath: "count", To: "second", ToInput: "count"},
		},
		Cycles: []schema.CycleConfig{
			{
				ID:      "warmup",
				Members: []string{"first"},
				Carries: []schema.CycleEdge{
					{From: "first", FromPath: "count", To: "first", ToInput: "count"},
				},
				Condition:     "count >= 2",
				MaxIterations: 10,
			},
			{
				ID:      "main",
				Members: []string{"second"},
				Carries: []schema.CycleEdge{
					{From: "second", FromPath: "count", To: "second", ToInput: "count"},
				},
				Condition:     "count >= 5",
				MaxIterations: 10,
			},
		},
	}

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, schema.CycleStatusConverged, result.Cycles["warmup"].Status)
	assert.Equal(t, 2, result.Cycles["warmup"].Iterations)

	// The second cycle seeds its first iteration from the first cycle's
	// committed output: 2 -> 3, 4, 5.
	assert.Equal(t, schema.CycleStatusConverged, result.Cycles["main"].Status)
	assert.Equal(t, 3, result.Cycles["main"].Iterations)
	assert.InEpsilon(t, 5.0, result.Cycles["main"].Output["count"], 1e-9)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	cases := []struct {
		name string
		def  *schema.WorkflowDefinition
		code string
	}{
		{
			name: "nil definition",
			def:  nil,
			code: schema.ErrCodeValidation,
		},
		{
			name: "no nodes",
			def:  &schema.WorkflowDefinition{Name: "empty"},
			code: schema.ErrCodeValidation,
		},
		{
			name: "cycle without config",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{
					{ID: "a", Type: "counter"},
					{ID: "b", Type: "counter"},
				},
				Connections: []schema.Connection{
					{From: "a", FromPath: "count", To: "b", ToInput: "count"},
					{From: "b", FromPath: "count", To: "a", ToInput: "count"},
				},
			},
			code: schema.ErrCodeGraphStructure,
		},
		{
			name: "zero max iterations",
			def: &schema.WorkflowDefinition{
				Nodes: []schema.NodeDefinition{{ID: "acc", Type: "counter"}},
				Connections: []schema.Connection{
					{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
				},
				Cycles: []schema.CycleConfig{
					{
						ID:      "loop",
						Members: []string{"acc"},
						Carries: []schema.CycleEdge{
							{From: "acc", FromPath: "count", To: "acc", ToInput: "count"},
						},
						Condition: "count >= 3",
					},
				},
			},
			code: schema.ErrCodeValidation,
		},
		{
			name: "bad run timeout",
			def: &schema.WorkflowDefinition{
				Timeout: "soon",
				Nodes:   []schema.NodeDefinition{{ID: "a", Type: "constant"}},
			},
			code: schema.ErrCodeValidation,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := exec.Validate(tc.def)
			require.Error(t, err)
			var engErr *schema.EngineError
			require.ErrorAs(t, err, &engErr)
			assert.Equal(t, tc.code, engErr.Code)
		})
	}
}

func TestStatusReturnsPersistedRun(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})
	def := counterLoop("count >= 2", 10, "")

	result, err := exec.Execute(context.Background(), def, map[string]any{"count": 0})
	require.NoError(t, err)

	snap, err := exec.Status(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, snap.Run.Status)
	assert.NotEmpty(t, snap.Events)
	assert.Len(t, snap.Iterations, 2)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "acc", snap.Nodes[0].NodeID)
}

func TestExecutePersistsTypedRunRecord(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})
	def := counterLoop("count >= 2", 10, "")
	initial := map[string]any{"count": 0}

	result, err := exec.Execute(context.Background(), def, initial)
	require.NoError(t, err)

	run, err := s.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)

	// The run record carries the definition and params as typed values,
	// not serialized blobs.
	assert.Equal(t, def.Name, run.Definition.Name)
	require.Len(t, run.Definition.Nodes, 1)
	assert.Equal(t, "acc", run.Definition.Nodes[0].ID)
	require.Len(t, run.Definition.Cycles, 1)
	assert.Equal(t, "loop", run.Definition.Cycles[0].ID)
	assert.Equal(t, initial, run.Params)
}

func TestExecuteFanInRunsDownstreamOnce(t *testing.T) {
	exec, s := newTestExecutor(t, ExecutorConfig{})

	// Two independent upstreams with different runtimes feeding one shared
	// downstream. The downstream must run exactly once, after both commit,
	// no matter which upstream finishes first.
	def := &schema.WorkflowDefinition{
		Name: "fan-in",
		Nodes: []schema.NodeDefinition{
			{ID: "slow", Type: "sleep"},
			{ID: "fast", Type: "sleep"},
			{ID: "cat", Type: "eval", Config: []byte(`{
				"expression": "a + \"|\" + b",
				"inputs": {
					"a": {"type": "string", "required": true},
					"b": {"type": "string", "required": true}
				}
			}`)},
		},
		Connections: []schema.Connection{
			{From: "slow", FromPath: "slept", To: "cat", ToInput: "a"},
			{From: "fast", FromPath: "slept", To: "cat", ToInput: "b"},
		},
	}

	result, err := exec.Execute(context.Background(), def, map[string]any{
		"slow": map[string]any{"duration": "50ms"},
		"fast": map[string]any{"duration": "5ms"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	require.Contains(t, result.NodeOutputs, "cat")
	assert.Equal(t, "50ms|5ms", result.NodeOutputs["cat"]["result"])

	events, err := s.GetEvents(context.Background(), result.RunID, 0)
	require.NoError(t, err)

	var catStarts int
	var catStartSeq int64
	upstreamDone := map[string]int64{}
	for _, ev := range events {
		switch {
		case ev.Type == schema.EventNodeStarted && ev.NodeID == "cat":
			catStarts++
			catStartSeq = ev.Sequence
		case ev.Type == schema.EventNodeCompleted && (ev.NodeID == "slow" || ev.NodeID == "fast"):
			upstreamDone[ev.NodeID] = ev.Sequence
		}
	}
	assert.Equal(t, 1, catStarts)
	require.Len(t, upstreamDone, 2)
	assert.Greater(t, catStartSeq, upstreamDone["slow"])
	assert.Greater(t, catStartSeq, upstreamDone["fast"])
}

func TestStatusUnknownRun(t *testing.T) {
	exec, _ := newTestExecutor(t, ExecutorConfig{})

	_, err := exec.Status(context.Background(), "nope")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}
