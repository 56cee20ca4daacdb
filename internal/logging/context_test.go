package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RunID(ctx))
	assert.Empty(t, CycleID(ctx))
	assert.Empty(t, NodeID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithCycleID(ctx, "cycle-a")
	ctx = WithNodeID(ctx, "n1")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "cycle-a", CycleID(ctx))
	assert.Equal(t, "n1", NodeID(ctx))
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRunID(context.Background(), "run-42")
	ctx = WithCycleID(ctx, "cycle-x")
	logger.InfoContext(ctx, "iteration committed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "run-42", record["run_id"])
	assert.Equal(t, "cycle-x", record["cycle_id"])
	_, hasNode := record["node_id"]
	assert.False(t, hasNode, "node_id should be omitted when unset")
}
