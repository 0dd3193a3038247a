package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func specWith(steps ...schema.StepDef) *schema.WorkflowSpec {
	return &schema.WorkflowSpec{Name: "test", Steps: steps}
}

func TestParseDAG_Linear(t *testing.T) {
	dag, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read"},
		schema.StepDef{Name: "b", Capability: "fs.read", DependsOn: []string{"a"}},
		schema.StepDef{Name: "c", Capability: "fs.read", DependsOn: []string{"b"}},
	))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, dag.Sorted)
	assert.Equal(t, []string{"a"}, dag.Roots)
	require.Len(t, dag.Levels, 3)
	assert.Equal(t, []string{"a"}, dag.Levels[0])
	assert.Equal(t, []string{"b"}, dag.Levels[1])
	assert.Equal(t, []string{"c"}, dag.Levels[2])
}

func TestParseDAG_Diamond(t *testing.T) {
	dag, err := ParseDAG(specWith(
		schema.StepDef{Name: "fetch", Capability: "http.request"},
		schema.StepDef{Name: "left", Capability: "transform.jq", DependsOn: []string{"fetch"}},
		schema.StepDef{Name: "right", Capability: "transform.jq", DependsOn: []string{"fetch"}},
		schema.StepDef{Name: "merge", Capability: "fs.write", DependsOn: []string{"left", "right"}},
	))
	require.NoError(t, err)

	require.Len(t, dag.Levels, 3)
	assert.Equal(t, []string{"fetch"}, dag.Levels[0])
	assert.ElementsMatch(t, []string{"left", "right"}, dag.Levels[1])
	assert.Equal(t, []string{"merge"}, dag.Levels[2])
	assert.Equal(t, "fetch", dag.Sorted[0])
	assert.Equal(t, "merge", dag.Sorted[3])
}

func TestParseDAG_IndependentRoots(t *testing.T) {
	dag, err := ParseDAG(specWith(
		schema.StepDef{Name: "z", Capability: "fs.read"},
		schema.StepDef{Name: "a", Capability: "fs.read"},
	))
	require.NoError(t, err)

	// Roots are sorted for deterministic dispatch.
	assert.Equal(t, []string{"a", "z"}, dag.Roots)
	require.Len(t, dag.Levels, 1)
	assert.ElementsMatch(t, []string{"a", "z"}, dag.Levels[0])
}

func TestParseDAG_Cycle(t *testing.T) {
	_, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read", DependsOn: []string{"c"}},
		schema.StepDef{Name: "b", Capability: "fs.read", DependsOn: []string{"a"}},
		schema.StepDef{Name: "c", Capability: "fs.read", DependsOn: []string{"b"}},
	))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeCycleDetected, rerr.Code)
}

func TestParseDAG_SelfDependency(t *testing.T) {
	_, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read", DependsOn: []string{"a"}},
	))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeCycleDetected, rerr.Code)
}

func TestParseDAG_UnknownDependency(t *testing.T) {
	_, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read", DependsOn: []string{"ghost"}},
	))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
	assert.Contains(t, rerr.Message, "ghost")
}

func TestParseDAG_DuplicateStepName(t *testing.T) {
	_, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read"},
		schema.StepDef{Name: "a", Capability: "fs.write"},
	))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestParseDAG_EmptySpec(t *testing.T) {
	_, err := ParseDAG(&schema.WorkflowSpec{Name: "empty"})
	require.Error(t, err)

	_, err = ParseDAG(nil)
	require.Error(t, err)
}

func TestParseDAG_DefaultsStepKind(t *testing.T) {
	dag, err := ParseDAG(specWith(
		schema.StepDef{Name: "a", Capability: "fs.read"},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.StepKindCapability, dag.Steps["a"].Kind)
}

func TestParseDAG_CapabilityRequired(t *testing.T) {
	_, err := ParseDAG(specWith(
		schema.StepDef{Name: "a"},
	))
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)

	// Approval steps carry no capability.
	dag, err := ParseDAG(specWith(
		schema.StepDef{Name: "gate", Kind: schema.StepKindHumanApproval, Prompt: "proceed?"},
	))
	require.NoError(t, err)
	assert.Equal(t, schema.StepKindHumanApproval, dag.Steps["gate"].Kind)
}
