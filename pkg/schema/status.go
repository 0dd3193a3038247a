package schema

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending      WorkflowStatus = "pending"
	WorkflowStatusRunning      WorkflowStatus = "running"
	WorkflowStatusPaused       WorkflowStatus = "paused_for_approval"
	WorkflowStatusCompensating WorkflowStatus = "compensating"
	WorkflowStatusCompleted    WorkflowStatus = "completed"
	WorkflowStatusFailed       WorkflowStatus = "failed"
	WorkflowStatusRolledBack   WorkflowStatus = "rolled_back"
)

// Terminal reports whether a workflow status can never transition again.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusRolledBack:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step instance.
type StepStatus string

const (
	StepStatusPending     StepStatus = "pending"
	StepStatusRunning     StepStatus = "running"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusFailed      StepStatus = "failed"
	StepStatusCompensated StepStatus = "compensated"
	StepStatusSkipped     StepStatus = "skipped"
)

// Terminal reports whether a step status can never transition again.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusFailed, StepStatusCompensated, StepStatusSkipped:
		return true
	}
	// Completed steps may still transition to compensated during rollback.
	return false
}

// ApprovalStatus is the lifecycle of a human-approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)
