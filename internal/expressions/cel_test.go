package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_EvaluateGuard(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"nodes":  map[string]any{"fetch": map[string]any{"status": 200}},
		"inputs": map[string]any{"threshold": 100},
	}

	t.Run("node output condition", func(t *testing.T) {
		ok, err := e.EvaluateGuard(context.Background(), `nodes.fetch.status == 200`, data)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("inputs condition", func(t *testing.T) {
		ok, err := e.EvaluateGuard(context.Background(), `inputs.threshold < 50`, data)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("missing namespaces default to empty maps", func(t *testing.T) {
		ok, err := e.EvaluateGuard(context.Background(), `"cycle_id" in iter`, map[string]any{})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("non-bool guard rejected", func(t *testing.T) {
		_, err := e.EvaluateGuard(context.Background(), `inputs.threshold`, data)
		var engErr *schema.EngineError
		require.True(t, errors.As(err, &engErr))
		assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
	})

	t.Run("compile error", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `nodes.==`, data)
		var engErr *schema.EngineError
		require.True(t, errors.As(err, &engErr))
		assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
	})
}
