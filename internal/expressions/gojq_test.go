package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adhens/cyclone/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Transform(t *testing.T) {
	e := NewGoJQEngine()

	t.Run("identity", func(t *testing.T) {
		out, err := e.Transform(context.Background(), ".", map[string]any{"a": 1})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": 1.0}, out)
	})

	t.Run("field selection", func(t *testing.T) {
		out, err := e.Transform(context.Background(), ".items | length", map[string]any{
			"items": []any{"a", "b", "c"},
		})
		require.NoError(t, err)
		assert.Equal(t, 3, out)
	})

	t.Run("multiple outputs collected", func(t *testing.T) {
		out, err := e.Transform(context.Background(), ".[]", []any{1, 2})
		require.NoError(t, err)
		assert.Equal(t, []any{1.0, 2.0}, out)
	})

	t.Run("int inputs normalized", func(t *testing.T) {
		out, err := e.Transform(context.Background(), ". + 1", 41)
		require.NoError(t, err)
		assert.Equal(t, 42.0, out)
	})

	t.Run("parse error", func(t *testing.T) {
		_, err := e.Transform(context.Background(), ".[", nil)
		var engErr *schema.EngineError
		require.True(t, errors.As(err, &engErr))
		assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
	})

	t.Run("runtime error", func(t *testing.T) {
		_, err := e.Transform(context.Background(), ".a.b", 5)
		var engErr *schema.EngineError
		require.True(t, errors.As(err, &engErr))
		assert.Equal(t, schema.ErrCodeExpression, engErr.Code)
	})
}
