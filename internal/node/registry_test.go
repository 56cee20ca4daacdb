package node

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/pkg/schema"
)

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, expressions.NewExprEngine(), expressions.NewGoJQEngine()))
	return r
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := builtinRegistry(t)

	n, err := r.Create(schema.NodeDefinition{ID: "c1", Type: "counter"})
	require.NoError(t, err)
	assert.Contains(t, n.Parameters(), "count")
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	r := builtinRegistry(t)

	err := r.Register("counter", newCounterNode)
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeConflict, engErr.Code)
}

func TestRegistry_UnknownType(t *testing.T) {
	r := builtinRegistry(t)

	_, err := r.Create(schema.NodeDefinition{ID: "x", Type: "warp-drive"})
	var engErr *schema.EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
	assert.Equal(t, "x", engErr.NodeID)
}

func TestRegistry_Types(t *testing.T) {
	r := builtinRegistry(t)
	assert.Equal(t, []string{"constant", "counter", "eval", "fail", "merge", "sleep", "transform"}, r.Types())
}

func TestBuiltin_Counter(t *testing.T) {
	n, err := newCounterNode(nil)
	require.NoError(t, err)

	out, err := n.Run(context.Background(), map[string]any{"count": 4.0, "step": 1.0})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out["count"])
}

func TestBuiltin_Constant(t *testing.T) {
	n, err := newConstantNode(json.RawMessage(`{"greeting":"hi","n":3}`))
	require.NoError(t, err)

	out, err := n.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", out["greeting"])
}

func TestBuiltin_Eval(t *testing.T) {
	factory := evalFactory(expressions.NewExprEngine())
	n, err := factory(json.RawMessage(`{"expression":"a + b","inputs":{"a":{"type":"number","required":true},"b":{"type":"number","required":true}}}`))
	require.NoError(t, err)

	out, err := n.Run(context.Background(), map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, 5, out["result"])
}

func TestBuiltin_Transform(t *testing.T) {
	factory := transformFactory(expressions.NewGoJQEngine())
	n, err := factory(json.RawMessage(`{"expression":". | length"}`))
	require.NoError(t, err)

	out, err := n.Run(context.Background(), map[string]any{"input": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, out["result"])
}

func TestBuiltin_Fail(t *testing.T) {
	n, err := newFailNode(json.RawMessage(`{"message":"boom"}`))
	require.NoError(t, err)

	_, runErr := n.Run(context.Background(), nil)
	var engErr *schema.EngineError
	require.True(t, errors.As(runErr, &engErr))
	assert.Equal(t, schema.ErrCodeNodeExecution, engErr.Code)
	assert.Equal(t, "boom", engErr.Message)
}

func TestBuiltin_SleepCancellation(t *testing.T) {
	n, err := newSleepNode(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, runErr := n.Run(ctx, map[string]any{"duration": "5s"})
	var engErr *schema.EngineError
	require.True(t, errors.As(runErr, &engErr))
	assert.Equal(t, schema.ErrCodeCancelled, engErr.Code)
}
