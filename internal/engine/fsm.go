package engine

import (
	"github.com/recoilhq/recoil/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed lifecycle transitions for
// workflow instances. A pending workflow that is cancelled before any step
// ran goes straight to rolled_back; there is nothing to compensate.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:      {schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.WorkflowStatusRolledBack},
	schema.WorkflowStatusRunning:      {schema.WorkflowStatusPaused, schema.WorkflowStatusCompensating, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusPaused:       {schema.WorkflowStatusRunning, schema.WorkflowStatusCompensating, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompensating: {schema.WorkflowStatusRolledBack, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted:    {},
	schema.WorkflowStatusFailed:       {},
	schema.WorkflowStatusRolledBack:   {},
}

// ValidStepTransitions defines the allowed lifecycle transitions for step
// instances. Completed is not terminal: rollback moves a completed step to
// compensated.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:     {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusFailed},
	schema.StepStatusRunning:     {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted:   {schema.StepStatusCompensated},
	schema.StepStatusFailed:      {},
	schema.StepStatusCompensated: {},
	schema.StepStatusSkipped:     {},
}

// CheckWorkflowTransition validates a workflow state transition against the
// transition table.
func CheckWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	return nil
}

// CheckStepTransition validates a step state transition against the
// transition table.
func CheckStepTransition(workflowID, stepName string, from, to schema.StepStatus) error {
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepName).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}
	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
