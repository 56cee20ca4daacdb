package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:           uuid.New().String(),
		WorkflowName: "test-wf",
		Definition:   testDefinition(),
		Status:       schema.RunStatusPending,
		Params:       map[string]any{"seed": 1.0},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestLibSQLCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "test-wf", got.WorkflowName)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Equal(t, "test-wf", got.Definition.Name)
	assert.Equal(t, 1.0, got.Params["seed"])
}

func TestLibSQLUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	completed := schema.RunStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      &completed,
		Output:      json.RawMessage(`{"result":42}`),
		CompletedAt: &now,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.JSONEq(t, `{"result":42}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)

	err = s.UpdateRun(ctx, "missing", RunUpdate{Status: &completed})
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestLibSQLListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run1 := seedRun(t, s)
	run2 := seedRun(t, s)

	active := schema.RunStatusActive
	require.NoError(t, s.UpdateRun(ctx, run2.ID, RunUpdate{Status: &active}))

	runs, err := s.ListRuns(ctx, RunFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run2.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{Name: "test-wf"})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_ = run1
}

func TestLibSQLEventSequencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	for i := 0; i < 5; i++ {
		e := &Event{
			RunID:     run.ID,
			NodeID:    "a",
			Iteration: -1,
			Type:      schema.EventNodeCompleted,
			Payload:   json.RawMessage(`{"count":1}`),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "a", e.NodeID)
	}

	events, err = s.GetEvents(ctx, run.ID, 3)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestLibSQLNodeStateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	st := &NodeState{
		RunID:  run.ID,
		NodeID: "a",
		Status: schema.NodeStatusRunning,
	}
	require.NoError(t, s.UpsertNodeState(ctx, st))

	st.Status = schema.NodeStatusCompleted
	st.Output = json.RawMessage(`{"v":1}`)
	st.DurationMs = 12
	require.NoError(t, s.UpsertNodeState(ctx, st))

	got, err := s.GetNodeState(ctx, run.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, got.Status)
	assert.JSONEq(t, `{"v":1}`, string(got.Output))
	assert.Equal(t, int64(12), got.DurationMs)
}

func TestLibSQLIterationHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s)

	converged := true
	for i := 0; i < 3; i++ {
		var cond *bool
		if i == 2 {
			cond = &converged
		}
		require.NoError(t, s.AppendIteration(ctx, &IterationRecord{
			RunID:      run.ID,
			CycleID:    "loop",
			Iteration:  i,
			Outputs:    json.RawMessage(`{"step":{"count":1}}`),
			ConditionValue: cond,
			StartedAt:  time.Now().UTC(),
			DurationMs: 5,
		}))
	}

	recs, err := s.ListIterations(ctx, run.ID, "loop")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Nil(t, recs[0].ConditionValue)
	require.NotNil(t, recs[2].ConditionValue)
	assert.True(t, *recs[2].ConditionValue)
}

func TestLibSQLScheduledJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &ScheduledJob{
		ID:             uuid.New().String(),
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		Definition:     testDefinition(),
		Params:         map[string]any{"mode": "full"},
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, "full", got.Params["mode"])

	now := time.Now().UTC()
	require.NoError(t, s.UpdateScheduledJob(ctx, job.ID, ScheduledJobUpdate{
		LastRunAt:     &now,
		LastRunStatus: "completed",
	}))

	jobs, err := s.ListScheduledJobs(ctx, true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "completed", jobs[0].LastRunStatus)

	require.NoError(t, s.DeleteScheduledJob(ctx, job.ID))
	_, err = s.GetScheduledJob(ctx, job.ID)
	require.Error(t, err)
}
