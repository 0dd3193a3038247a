package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_EvaluateBool(t *testing.T) {
	e := newCEL(t)
	ctx := context.Background()

	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{"status_code": 200},
		},
		"inputs": map[string]any{"deploy": true},
	}

	ok, err := e.EvaluateBool(ctx, `steps.fetch.status_code == 200`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, `inputs.deploy == false`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.EvaluateBool(ctx, `"fetch" in steps && inputs.deploy`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NonBooleanResultRejected(t *testing.T) {
	e := newCEL(t)

	_, err := e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), `steps..broken(`, nil)
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestCEL_MissingScopeDefaultsToEmptyMaps(t *testing.T) {
	e := newCEL(t)

	// No steps or inputs supplied; membership checks still evaluate.
	ok, err := e.EvaluateBool(context.Background(), `"fetch" in steps`, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingKeyIsRuntimeError(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), `steps.ghost.value`, map[string]any{
		"steps": map[string]any{},
	})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeExecution, rerr.Code)
}

func TestCEL_EmptyExpression(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
