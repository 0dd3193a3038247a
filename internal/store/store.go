package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Every write is a
// checkpoint: the orchestrator never advances past a transition until the
// corresponding write has been confirmed.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowInstance, error)
	// ListActiveWorkflows returns every instance not in a terminal status.
	ListActiveWorkflows(ctx context.Context) ([]*WorkflowInstance, error)

	// Step state (one row per step per instance; status and outputs land in
	// a single statement so a reader never observes completed without its
	// outputs durable)
	UpsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, workflowID, stepName string) (*StepState, error)
	ListStepStates(ctx context.Context, workflowID string) ([]*StepState, error)
	// NextCompletionSeq returns the next per-workflow completion sequence.
	NextCompletionSeq(ctx context.Context, workflowID string) (int64, error)

	// Compensation log (append-only)
	AppendCompensation(ctx context.Context, rec *CompensationRecord) error
	ListCompensations(ctx context.Context, workflowID string) ([]*CompensationRecord, error)

	// Approvals
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	// DecideApproval records a decision; it fails with CONFLICT unless the
	// approval is still pending.
	DecideApproval(ctx context.Context, id string, status string, decider, rationale string) error
	ListApprovals(ctx context.Context, workflowID string, status string) ([]*Approval, error)

	// Undo ledger rows
	PushUndo(ctx context.Context, rec *UndoRecord) (int64, error)
	TopUndo(ctx context.Context, n int) ([]*UndoRecord, error)
	DeleteUndo(ctx context.Context, seq int64) error
	CountUndo(ctx context.Context) (int, error)
	// EvictUndo deletes the oldest records beyond max, returning how many
	// were dropped.
	EvictUndo(ctx context.Context, max int) (int, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error)
	TouchScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
