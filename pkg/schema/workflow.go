package schema

import "encoding/json"

// WorkflowSpec is the JSON-serializable workflow format submitted by agents.
// It is stored verbatim on every instance so recovery never depends on the
// spec being re-derivable.
type WorkflowSpec struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	Steps       []StepDef       `json:"steps"`
	Inputs      map[string]any  `json:"inputs,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// StepDef describes a single step in a workflow.
type StepDef struct {
	Name         string           `json:"name"`
	Kind         StepKind         `json:"step_type,omitempty"`   // capability (default) or human_approval
	Capability   string           `json:"capability,omitempty"`  // capability id (e.g. "fs.write")
	Inputs       json.RawMessage  `json:"inputs,omitempty"`      // input template, may reference prior outputs
	DependsOn    []string         `json:"depends_on,omitempty"`  // step names that must complete first
	Compensation *CompensationRef `json:"compensation,omitempty"` // explicit override of the capability default
	Condition    string           `json:"condition,omitempty"`   // CEL expression; false skips the step
	Prompt       string           `json:"prompt,omitempty"`      // message shown for human_approval steps
}

// CompensationRef names a capability and an input template used to undo a
// completed step's effect.
type CompensationRef struct {
	Capability string          `json:"capability"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindCapability    StepKind = "capability"
	StepKindHumanApproval StepKind = "human_approval"
)

// SideEffectClass categorizes what a capability touches outside the process.
type SideEffectClass string

const (
	SideEffectNone       SideEffectClass = "none"
	SideEffectFilesystem SideEffectClass = "filesystem"
	SideEffectNetwork    SideEffectClass = "network"
)

// RiskLevel is a coarse severity declared by a capability.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ApprovalDecision is the external input that resumes a paused workflow.
type ApprovalDecision struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Decider    string `json:"decider"`
	Rationale  string `json:"rationale,omitempty"`
}
