package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	data := map[string]any{
		"items": []any{
			map[string]any{"name": "a", "size": 10},
			map[string]any{"name": "b", "size": 30},
		},
		"threshold": 20,
	}

	out, err := e.Evaluate(ctx, `filter(items, .size > threshold) | map(.name)`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.Evaluate(ctx, `upper("hello") + "-" + string(threshold)`, data)
	require.NoError(t, err)
	assert.Equal(t, "HELLO-20", out)
}

func TestExprEngine_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `missing ?? "fallback"`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_EvaluationError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 / 0`, nil)
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
}

func TestGoJQEngine_SingleOutput(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.users | length`, map[string]any{
		"users": []any{"a", "b", "c"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.users[]`, map[string]any{
		"users": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_Reshape(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(),
		`{names: [.items[].name], total: [.items[].size] | add}`,
		map[string]any{
			"items": []any{
				map[string]any{"name": "a", "size": 1},
				map[string]any{"name": "b", "size": 2},
			},
		})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, result["names"])
}

func TestGoJQEngine_CompileError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, nil)
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.value | tonumber`, map[string]any{
		"value": "not-a-number",
	})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
}

func TestEngineNames(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", cel.Name())
	assert.Equal(t, "expr", NewExprEngine().Name())
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}
