package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/sandbox"
	"github.com/recoilhq/recoil/internal/undo"
	"github.com/recoilhq/recoil/internal/validation"
	"github.com/recoilhq/recoil/pkg/schema"
)

// ExecContext carries per-invocation execution policy.
type ExecContext struct {
	// Confirmed marks that two-phase confirmation has been granted; for
	// workflow steps the submitted plan itself is the consent.
	Confirmed bool
	// RecordUndo controls whether a reversible execution lands on the
	// undo ledger. Compensation runs disable it: rolling back a rollback
	// is not supported.
	RecordUndo bool
	// ActorID identifies who asked for the execution.
	ActorID string
}

// Outcome is the result of one engine execution.
type Outcome struct {
	// ConfirmationRequired is set when the capability demands two-phase
	// confirmation and the invocation was not yet confirmed. Nothing was
	// executed; re-invoke with ExecContext.Confirmed to proceed.
	ConfirmationRequired bool            `json:"confirmation_required,omitempty"`
	Outputs              json.RawMessage `json:"outputs,omitempty"`
	// UndoSeq is the ledger sequence of the recorded undo entry, zero
	// when nothing was recorded.
	UndoSeq int64 `json:"undo_seq,omitempty"`
}

// Engine executes a single capability invocation through a fixed gate order:
// registry lookup, input validation, governance, confirmation, sandbox, then
// the capability itself. A failure at any gate short-circuits before the
// capability runs. Capability failures are surfaced verbatim, never retried
// at this layer.
type Engine struct {
	registry   *capability.Registry
	validator  *validation.JSONSchemaValidator
	governance capability.Governance
	sandbox    *sandbox.Sandbox
	ledger     *undo.Ledger
	logger     *slog.Logger
}

// NewEngine wires an Engine. governance and ledger may be nil; the
// corresponding gates become no-ops.
func NewEngine(
	reg *capability.Registry,
	validator *validation.JSONSchemaValidator,
	gov capability.Governance,
	sb *sandbox.Sandbox,
	ledger *undo.Ledger,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:   reg,
		validator:  validator,
		governance: gov,
		sandbox:    sb,
		ledger:     ledger,
		logger:     logger,
	}
}

// Execute runs one capability invocation through the gate order.
func (e *Engine) Execute(ctx context.Context, capName string, inputs map[string]any, ec ExecContext) (*Outcome, error) {
	// Gate 1: registry lookup.
	cap, err := e.registry.Get(capName)
	if err != nil {
		return nil, err
	}
	spec := cap.Spec()

	// Gate 2: input schema validation.
	if e.validator != nil && len(spec.InputSchema) > 0 {
		if err := e.validator.ValidateInput(inputs, spec.InputSchema); err != nil {
			return nil, err
		}
	}

	// Gate 3: governance. Checked on every invocation, including
	// confirmed re-invocations, so a freeze between phases still blocks.
	if e.governance != nil {
		if ok, reason := e.governance.IsExecutable(capName); !ok {
			return nil, schema.NewErrorf(schema.ErrCodeGovernance,
				"capability %q rejected by governance: %s", capName, reason).
				WithDetails(map[string]any{"capability": capName, "reason": reason})
		}
	}

	// Gate 4: two-phase confirmation. No effect has happened yet.
	if spec.RequiresConfirmation && !ec.Confirmed {
		return &Outcome{ConfirmationRequired: true}, nil
	}

	// Gate 5: sandbox check on every declared path param.
	if e.sandbox != nil {
		for _, param := range spec.PathParams {
			raw, ok := inputs[param]
			if !ok {
				continue
			}
			path, ok := raw.(string)
			if !ok || path == "" {
				continue
			}
			if err := e.sandbox.Check(path); err != nil {
				return nil, err
			}
		}
	}

	// Invoke.
	result, err := cap.Execute(ctx, capability.Input{Params: inputs, Confirmed: ec.Confirmed})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Outputs: result.Outputs}

	// Record the undo entry after the effect succeeded.
	if ec.RecordUndo && spec.Reversible && result.Undo != nil && e.ledger != nil {
		seq, err := e.ledger.Push(ctx, capName, result.Undo)
		if err != nil {
			// The effect happened; losing the undo record is worth a
			// loud error but not a failed execution.
			e.logger.ErrorContext(ctx, "failed to record undo entry",
				"capability", capName, "error", err)
		} else {
			outcome.UndoSeq = seq
		}
	}

	return outcome, nil
}
