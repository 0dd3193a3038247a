package capability

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

type stubCap struct {
	name string
	spec Spec
}

func (s *stubCap) Name() string { return s.name }
func (s *stubCap) Spec() Spec   { return s.spec }

func (s *stubCap) Execute(context.Context, Input) (*Result, error) {
	return &Result{Outputs: json.RawMessage(`{}`)}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(&stubCap{name: "x.one"}))
	assert.True(t, reg.Has("x.one"))
	assert.Equal(t, 1, reg.Count())

	c, err := reg.Get("x.one")
	require.NoError(t, err)
	assert.Equal(t, "x.one", c.Name())
}

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubCap{name: "x.one"}))

	err := reg.Register(&stubCap{name: "x.one"})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeConflict, rerr.Code)
}

func TestRegistry_InvalidRegistrations(t *testing.T) {
	reg := NewRegistry()
	require.Error(t, reg.Register(nil))
	require.Error(t, reg.Register(&stubCap{name: ""}))
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Get("ghost")
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeNotFound, rerr.Code)
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubCap{name: "z.last", spec: Spec{Description: "z", RiskLevel: schema.RiskHigh}}))
	require.NoError(t, reg.Register(&stubCap{name: "a.first", spec: Spec{Description: "a", Reversible: true}}))

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a.first", infos[0].Name)
	assert.True(t, infos[0].Reversible)
	assert.Equal(t, "z.last", infos[1].Name)
	assert.Equal(t, schema.RiskHigh, infos[1].RiskLevel)
}

func TestLifecycle(t *testing.T) {
	l := NewLifecycle()

	ok, _ := l.IsExecutable("fs.write")
	assert.True(t, ok)

	l.Freeze("fs.write", "incident")
	ok, reason := l.IsExecutable("fs.write")
	assert.False(t, ok)
	assert.Equal(t, "incident", reason)

	l.Unfreeze("fs.write")
	ok, _ = l.IsExecutable("fs.write")
	assert.True(t, ok)

	l.Deprecate("fs.write", "")
	ok, reason = l.IsExecutable("fs.write")
	assert.False(t, ok)
	assert.Equal(t, "capability is deprecated", reason)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}, FSConfig{}))

	for _, name := range []string{
		"fs.create", "fs.write", "fs.delete", "fs.copy", "fs.read",
		"http.request", "transform.jq", "transform.expr",
	} {
		assert.True(t, reg.Has(name), "missing builtin %s", name)
	}
}

func TestTransformJQ(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}, FSConfig{}))

	c, err := reg.Get("transform.jq")
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"expression": ".items | length",
		"data":       map[string]any{"items": []any{"a", "b"}},
	}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Outputs, &out))
	assert.Equal(t, float64(2), out["result"])
	assert.Nil(t, res.Undo)
}

func TestTransformExpr(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, HTTPConfig{}, FSConfig{}))

	c, err := reg.Get("transform.expr")
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), Input{Params: map[string]any{
		"expression": `names[0] + "-" + names[1]`,
		"data":       map[string]any{"names": []any{"a", "b"}},
	}})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Outputs, &out))
	assert.Equal(t, "a-b", out["result"])
}
