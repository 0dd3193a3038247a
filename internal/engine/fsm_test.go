package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/pkg/schema"
)

func TestWorkflowTransitions_Allowed(t *testing.T) {
	cases := []struct {
		from, to schema.WorkflowStatus
	}{
		{schema.WorkflowStatusPending, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusPending, schema.WorkflowStatusRolledBack},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusPaused},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompensating},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusCompensating},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusRolledBack},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusFailed},
	}
	for _, c := range cases {
		assert.NoError(t, CheckWorkflowTransition("wf-1", c.from, c.to),
			"%s -> %s should be allowed", c.from, c.to)
	}
}

func TestWorkflowTransitions_Rejected(t *testing.T) {
	cases := []struct {
		from, to schema.WorkflowStatus
	}{
		{schema.WorkflowStatusCompleted, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusFailed, schema.WorkflowStatusRunning},
		{schema.WorkflowStatusRolledBack, schema.WorkflowStatusPending},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCompensating},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusCompleted},
		{schema.WorkflowStatusCompensating, schema.WorkflowStatusRunning},
	}
	for _, c := range cases {
		err := CheckWorkflowTransition("wf-1", c.from, c.to)
		require.Error(t, err, "%s -> %s should be rejected", c.from, c.to)
		var rerr *schema.RecoilError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, rerr.Code)
		assert.Equal(t, "wf-1", rerr.Details["workflow_id"])
	}
}

func TestStepTransitions_Allowed(t *testing.T) {
	cases := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusPending, schema.StepStatusRunning},
		{schema.StepStatusPending, schema.StepStatusSkipped},
		{schema.StepStatusRunning, schema.StepStatusCompleted},
		{schema.StepStatusRunning, schema.StepStatusFailed},
		{schema.StepStatusCompleted, schema.StepStatusCompensated},
	}
	for _, c := range cases {
		assert.NoError(t, CheckStepTransition("wf-1", "step-1", c.from, c.to),
			"%s -> %s should be allowed", c.from, c.to)
	}
}

func TestStepTransitions_Rejected(t *testing.T) {
	cases := []struct {
		from, to schema.StepStatus
	}{
		{schema.StepStatusCompleted, schema.StepStatusRunning},
		{schema.StepStatusFailed, schema.StepStatusRunning},
		{schema.StepStatusSkipped, schema.StepStatusRunning},
		{schema.StepStatusCompensated, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusCompleted},
		{schema.StepStatusPending, schema.StepStatusCompensated},
	}
	for _, c := range cases {
		err := CheckStepTransition("wf-1", "step-1", c.from, c.to)
		require.Error(t, err, "%s -> %s should be rejected", c.from, c.to)
		var rerr *schema.RecoilError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, schema.ErrCodeInvalidTransition, rerr.Code)
		assert.Equal(t, "step-1", rerr.StepName)
	}
}

func TestStepStatusTerminal(t *testing.T) {
	// Completed steps remain reachable by compensation.
	assert.False(t, schema.StepStatusCompleted.Terminal())
	assert.True(t, schema.StepStatusFailed.Terminal())
	assert.True(t, schema.StepStatusCompensated.Terminal())
	assert.True(t, schema.StepStatusSkipped.Terminal())
}

func TestWorkflowStatusTerminal(t *testing.T) {
	assert.True(t, schema.WorkflowStatusCompleted.Terminal())
	assert.True(t, schema.WorkflowStatusFailed.Terminal())
	assert.True(t, schema.WorkflowStatusRolledBack.Terminal())
	assert.False(t, schema.WorkflowStatusRunning.Terminal())
	assert.False(t, schema.WorkflowStatusPaused.Terminal())
	assert.False(t, schema.WorkflowStatusCompensating.Terminal())
}
