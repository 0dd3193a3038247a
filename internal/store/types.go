package store

import (
	"encoding/json"
	"time"

	"github.com/recoilhq/recoil/pkg/schema"
)

// WorkflowInstance is the persisted representation of one workflow execution.
// The spec is stored verbatim so a restarted process can rebuild the DAG
// without any external source of truth.
type WorkflowInstance struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Status    schema.WorkflowStatus      `json:"status"`
	Spec      schema.WorkflowSpec        `json:"spec"`
	Bindings  map[string]json.RawMessage `json:"bindings,omitempty"` // step name -> outputs
	Error     json.RawMessage            `json:"error,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// StepState is the checkpointed state of a single step instance.
// CompletionSeq records strict completion order so compensation can walk
// completed steps in exact reverse.
type StepState struct {
	WorkflowID    string            `json:"workflow_id"`
	StepName      string            `json:"step_name"`
	Status        schema.StepStatus `json:"status"`
	Inputs        json.RawMessage   `json:"inputs,omitempty"`  // after template resolution
	Outputs       json.RawMessage   `json:"outputs,omitempty"` // immutable once written
	Error         json.RawMessage   `json:"error,omitempty"`
	CompletionSeq int64             `json:"completion_seq,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// CompensationRecord is an append-only record of one compensation attempt.
// Retries produce additional records, never overwrites.
type CompensationRecord struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	StepName   string          `json:"step_name"`
	Capability string          `json:"capability,omitempty"` // empty for no-op records
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Success    bool            `json:"success"`
	NoOp       bool            `json:"no_op"`
	Error      string          `json:"error,omitempty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// Approval is a persisted human-approval request. Decided exactly once,
// never deleted.
type Approval struct {
	ID         string                `json:"id"`
	WorkflowID string                `json:"workflow_id"`
	StepName   string                `json:"step_name"`
	Prompt     string                `json:"prompt,omitempty"`
	Status     schema.ApprovalStatus `json:"status"`
	Decider    string                `json:"decider,omitempty"`
	Rationale  string                `json:"rationale,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	DecidedAt  *time.Time            `json:"decided_at,omitempty"`
}

// UndoRecord is one entry in the durable undo ledger. The reverse action is
// a capability reference rather than a closure so the record survives a
// process restart intact.
type UndoRecord struct {
	Seq           int64           `json:"seq"`
	Capability    string          `json:"capability"`
	Description   string          `json:"description"`
	Backup        json.RawMessage `json:"backup,omitempty"`
	ReverseCap    string          `json:"reverse_capability"`
	ReverseInputs json.RawMessage `json:"reverse_inputs,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ScheduledJob is a cron-triggered workflow submission.
type ScheduledJob struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	CronExpr  string              `json:"cron_expression"`
	Spec      schema.WorkflowSpec `json:"spec"`
	Enabled   bool                `json:"enabled"`
	LastRunAt *time.Time          `json:"last_run_at,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// WorkflowUpdate specifies mutable fields of a workflow instance.
type WorkflowUpdate struct {
	Status   *schema.WorkflowStatus     `json:"status,omitempty"`
	Bindings map[string]json.RawMessage `json:"bindings,omitempty"`
	Error    json.RawMessage            `json:"error,omitempty"`
}

// WorkflowFilter specifies criteria for listing workflow instances.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
}
