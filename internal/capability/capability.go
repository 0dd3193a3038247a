package capability

import (
	"context"
	"encoding/json"

	"github.com/recoilhq/recoil/pkg/schema"
)

// Capability is an executable unit of work with a declared contract.
// Implementations must be stateless; all per-invocation data arrives in
// the Input.
type Capability interface {
	Name() string
	Spec() Spec
	Execute(ctx context.Context, input Input) (*Result, error)
}

// Spec is a capability's declared contract: its input schema, risk posture,
// and how (or whether) its effect can be undone.
type Spec struct {
	Description string `json:"description,omitempty"`
	// InputSchema is a JSON Schema document; inputs failing it are
	// rejected before execution.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	SideEffects schema.SideEffectClass `json:"side_effects"`
	RiskLevel   schema.RiskLevel       `json:"risk_level"`
	// RequiresConfirmation forces two-phase confirmation on direct
	// invocation regardless of risk level.
	RequiresConfirmation bool `json:"requires_confirmation,omitempty"`
	Reversible           bool `json:"reversible"`
	// Compensation is the default compensation template used when a
	// workflow step does not override it.
	Compensation *schema.CompensationRef `json:"compensation,omitempty"`
	// PathParams names input fields holding filesystem paths; each is
	// checked against the sandbox root before execution.
	PathParams []string `json:"path_params,omitempty"`
}

// Input is the data provided to a capability at execution time.
type Input struct {
	Params map[string]any `json:"params"`
	// Confirmed marks that two-phase confirmation (or plan-level
	// approval) has already been granted for this invocation.
	Confirmed bool `json:"confirmed,omitempty"`
}

// Result is the outcome of a capability execution.
type Result struct {
	Outputs json.RawMessage `json:"outputs,omitempty"`
	// Undo describes how to reverse this specific execution. Nil means
	// the effect is irreversible or there was no effect to reverse.
	Undo *UndoHint `json:"undo,omitempty"`
}

// UndoHint carries everything needed to reverse one execution after a
// restart: a capability reference plus serialized inputs and any
// before-state the reversal needs.
type UndoHint struct {
	Description   string          `json:"description"`
	ReverseCap    string          `json:"reverse_capability"`
	ReverseInputs json.RawMessage `json:"reverse_inputs,omitempty"`
	Backup        json.RawMessage `json:"backup,omitempty"`
}

// Info is a summary of a registered capability for listing.
type Info struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	SideEffects schema.SideEffectClass `json:"side_effects"`
	RiskLevel   schema.RiskLevel       `json:"risk_level"`
	Reversible  bool                   `json:"reversible"`
}

// RawParams marshals an Input's params back to JSON for persistence.
func RawParams(in Input) json.RawMessage {
	raw, err := json.Marshal(in.Params)
	if err != nil {
		return nil
	}
	return raw
}
