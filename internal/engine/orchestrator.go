package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recoilhq/recoil/internal/approval"
	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/expressions"
	"github.com/recoilhq/recoil/internal/logging"
	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/internal/validation"
	"github.com/recoilhq/recoil/pkg/schema"
)

const defaultStepConcurrency = 4

// Orchestrator drives workflow instances through their lifecycle. Every
// state transition is checkpointed to the store before execution proceeds
// past it, so a crash at any point leaves a resumable instance behind.
type Orchestrator struct {
	store     store.Store
	engine    *Engine
	registry  *capability.Registry
	validator *validation.JSONSchemaValidator
	gate      *approval.Gate
	cel       *expressions.CELEngine
	interp    *expressions.Interpolator
	logger    *slog.Logger

	concurrency int

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc // workflow ID -> in-flight run cancel
	cancelled map[string]bool               // workflow ID -> cancel requested
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// StepConcurrency bounds how many steps of one level run in parallel.
	StepConcurrency int
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(
	st store.Store,
	eng *Engine,
	reg *capability.Registry,
	validator *validation.JSONSchemaValidator,
	gate *approval.Gate,
	cel *expressions.CELEngine,
	logger *slog.Logger,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.StepConcurrency <= 0 {
		cfg.StepConcurrency = defaultStepConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:       st,
		engine:      eng,
		registry:    reg,
		validator:   validator,
		gate:        gate,
		cel:         cel,
		interp:      expressions.NewInterpolator(),
		logger:      logger,
		concurrency: cfg.StepConcurrency,
		cancels:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
}

// Submit validates a workflow spec, persists a pending instance, and returns
// it. The instance is not started; call Run.
func (o *Orchestrator) Submit(ctx context.Context, spec *schema.WorkflowSpec) (*store.WorkflowInstance, error) {
	if o.validator != nil {
		if err := o.validator.ValidateSpec(spec); err != nil {
			return nil, err
		}
	}
	// Reject cyclic specs before anything is persisted.
	if _, err := ParseDAG(spec); err != nil {
		return nil, err
	}

	wf := &store.WorkflowInstance{
		ID:       uuid.NewString(),
		Name:     spec.Name,
		Status:   schema.WorkflowStatusPending,
		Spec:     *spec,
		Bindings: make(map[string]json.RawMessage),
	}
	if err := o.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create workflow: %v", err).WithCause(err)
	}

	o.logger.InfoContext(ctx, "workflow submitted", "workflow_id", wf.ID, "name", wf.Name)
	return wf, nil
}

// Run executes a workflow instance to a terminal state. It is idempotent:
// calling it on a partially executed instance resumes from the persisted
// checkpoints, never re-invoking completed steps.
func (o *Orchestrator) Run(ctx context.Context, workflowID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}

	ctx = logging.WithWorkflowID(ctx, wf.ID)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// One run loop owns an instance at a time.
	o.mu.Lock()
	if _, busy := o.cancels[wf.ID]; busy {
		o.mu.Unlock()
		cancel()
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is already being executed", wf.ID)
	}
	o.cancels[wf.ID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, wf.ID)
		delete(o.cancelled, wf.ID)
		o.mu.Unlock()
	}()

	dag, err := ParseDAG(&wf.Spec)
	if err != nil {
		return o.finalize(ctx, wf, schema.WorkflowStatusFailed, err)
	}

	if err := o.rehydrateBindings(ctx, wf); err != nil {
		return err
	}

	// A crash mid-compensation resumes compensation, not execution.
	if wf.Status == schema.WorkflowStatusCompensating {
		return o.compensate(ctx, wf, dag)
	}

	if wf.Status == schema.WorkflowStatusPending {
		if err := o.transition(ctx, wf, schema.WorkflowStatusRunning); err != nil {
			return err
		}
	}

	err = o.runLevels(runCtx, wf, dag)
	if err != nil || o.isCancelRequested(wf.ID) {
		// Failure or cancellation: roll back with a context that
		// survives the run's own cancellation.
		compCtx := context.WithoutCancel(ctx)
		if err != nil {
			o.logger.ErrorContext(ctx, "workflow execution failed, compensating", "error", err)
		} else {
			o.logger.InfoContext(ctx, "workflow cancelled, compensating")
		}
		if terr := o.transition(compCtx, wf, schema.WorkflowStatusCompensating); terr != nil {
			return terr
		}
		return o.compensate(compCtx, wf, dag)
	}

	return o.finalize(ctx, wf, schema.WorkflowStatusCompleted, nil)
}

// runLevels dispatches the DAG level by level. Steps within a level run
// concurrently on a bounded pool; the next level starts only after the
// whole level settled. Returns the first step failure.
func (o *Orchestrator) runLevels(ctx context.Context, wf *store.WorkflowInstance, dag *DAG) error {
	pool := NewWorkerPool(o.concurrency)
	defer pool.Shutdown()

	for _, level := range dag.Levels {
		if o.isCancelRequested(wf.ID) {
			return nil
		}

		var (
			mu       sync.Mutex
			firstErr error
		)
		for _, name := range level {
			step := dag.Steps[name]
			if err := pool.Submit(ctx, func(ctx context.Context) error {
				err := o.runStep(ctx, wf, step)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				return err
			}); err != nil {
				return err
			}
		}
		pool.Wait()

		if firstErr != nil {
			return firstErr
		}
	}
	return nil
}

// runStep executes one step with checkpoint-then-advance semantics.
func (o *Orchestrator) runStep(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef) error {
	ctx = logging.WithStepName(ctx, step.Name)

	// Recovery path: an already settled step is never re-invoked.
	if existing, err := o.store.GetStepState(ctx, wf.ID, step.Name); err == nil {
		switch existing.Status {
		case schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusCompensated:
			return nil
		case schema.StepStatusFailed:
			return schema.NewErrorf(schema.ErrCodeExecution, "step %q previously failed", step.Name).WithStep(step.Name)
		case schema.StepStatusRunning:
			// The process died mid-invocation. The capability may or
			// may not have taken effect; re-running is the documented
			// at-least-once behavior for non-checkpointed effects.
			o.logger.WarnContext(ctx, "step found mid-run at recovery, re-invoking")
		}
	}

	scope := o.scope(wf)

	// Condition guard: false means the step (not the workflow) is skipped.
	if step.Condition != "" && o.cel != nil {
		ok, err := o.cel.EvaluateBool(ctx, step.Condition, map[string]any{
			"steps":  scope.Steps,
			"inputs": scope.Inputs,
		})
		if err != nil {
			return o.failStep(ctx, wf, step, err)
		}
		if !ok {
			o.logger.InfoContext(ctx, "step condition false, skipping")
			return o.checkpointStep(ctx, &store.StepState{
				WorkflowID: wf.ID,
				StepName:   step.Name,
				Status:     schema.StepStatusSkipped,
			})
		}
	}

	if step.Kind == schema.StepKindHumanApproval {
		return o.runApprovalStep(ctx, wf, step)
	}
	return o.runCapabilityStep(ctx, wf, step, scope)
}

// runCapabilityStep resolves the step's input template and invokes the
// capability through the engine.
func (o *Orchestrator) runCapabilityStep(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef, scope *expressions.Scope) error {
	resolved, err := o.interp.Resolve(step.Inputs, scope)
	if err != nil {
		return o.failStep(ctx, wf, step, err)
	}

	var inputs map[string]any
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &inputs); err != nil {
			return o.failStep(ctx, wf, step,
				schema.NewErrorf(schema.ErrCodeValidation, "step inputs are not a JSON object: %v", err).
					WithStep(step.Name).WithCause(err))
		}
	}

	now := time.Now().UTC()
	if err := o.checkpointStep(ctx, &store.StepState{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		Status:     schema.StepStatusRunning,
		Inputs:     resolved,
		StartedAt:  &now,
	}); err != nil {
		return err
	}

	// Submitting the workflow was the consent for its declared steps;
	// confirmation-required capabilities do not pause a running plan.
	outcome, err := o.engine.Execute(ctx, step.Capability, inputs, ExecContext{
		Confirmed:  true,
		RecordUndo: true,
	})
	if err != nil {
		return o.failStep(ctx, wf, step, err)
	}

	// The effect happened; its completion checkpoint must land even if
	// the run was cancelled while the capability executed, or rollback
	// would skip a step that did run.
	ctx = context.WithoutCancel(ctx)

	seq, err := o.store.NextCompletionSeq(ctx, wf.ID)
	if err != nil {
		return o.failStep(ctx, wf, step,
			schema.NewErrorf(schema.ErrCodeStore, "allocate completion seq: %v", err).WithCause(err))
	}

	done := time.Now().UTC()
	if err := o.checkpointStep(ctx, &store.StepState{
		WorkflowID:    wf.ID,
		StepName:      step.Name,
		Status:        schema.StepStatusCompleted,
		Inputs:        resolved,
		Outputs:       outcome.Outputs,
		CompletionSeq: seq,
		StartedAt:     &now,
		CompletedAt:   &done,
	}); err != nil {
		return err
	}

	return o.bind(ctx, wf, step.Name, outcome.Outputs)
}

// runApprovalStep parks the workflow on a persisted approval request.
func (o *Orchestrator) runApprovalStep(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef) error {
	now := time.Now().UTC()
	if err := o.checkpointStep(ctx, &store.StepState{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		Status:     schema.StepStatusRunning,
		StartedAt:  &now,
	}); err != nil {
		return err
	}

	// Reuse a request persisted before a restart instead of asking twice.
	req, err := o.findOrCreateApproval(ctx, wf, step)
	if err != nil {
		return o.failStep(ctx, wf, step, err)
	}

	if err := o.transition(ctx, wf, schema.WorkflowStatusPaused); err != nil {
		return err
	}

	decision, err := o.gate.Wait(ctx, req.ID)
	if err != nil {
		return o.failStep(ctx, wf, step, err)
	}

	// A rejection compensates straight from the paused status; only an
	// approval resumes the run.
	if !decision.Approved {
		return o.failStep(ctx, wf, step,
			schema.NewErrorf(schema.ErrCodeGovernance, "approval rejected by %s: %s", decision.Decider, decision.Rationale).
				WithStep(step.Name))
	}

	if err := o.transition(ctx, wf, schema.WorkflowStatusRunning); err != nil {
		return err
	}

	outputs, _ := json.Marshal(map[string]any{
		"approved":  true,
		"decider":   decision.Decider,
		"rationale": decision.Rationale,
	})

	seq, err := o.store.NextCompletionSeq(ctx, wf.ID)
	if err != nil {
		return o.failStep(ctx, wf, step,
			schema.NewErrorf(schema.ErrCodeStore, "allocate completion seq: %v", err).WithCause(err))
	}

	done := time.Now().UTC()
	if err := o.checkpointStep(ctx, &store.StepState{
		WorkflowID:    wf.ID,
		StepName:      step.Name,
		Status:        schema.StepStatusCompleted,
		Outputs:       outputs,
		CompletionSeq: seq,
		StartedAt:     &now,
		CompletedAt:   &done,
	}); err != nil {
		return err
	}

	return o.bind(ctx, wf, step.Name, outputs)
}

func (o *Orchestrator) findOrCreateApproval(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef) (*store.Approval, error) {
	existing, err := o.store.ListApprovals(ctx, wf.ID, "")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list approvals: %v", err).WithCause(err)
	}
	for _, a := range existing {
		if a.StepName == step.Name {
			return a, nil
		}
	}
	return o.gate.Request(ctx, wf.ID, step.Name, step.Prompt)
}

// compensate walks completed steps in exact reverse completion order and
// executes their compensations. A failed compensation never aborts the walk:
// the remaining earlier steps are still compensated to recover as much state
// as possible. The workflow ends rolled_back when every compensation settled,
// failed when at least one of them could not run.
func (o *Orchestrator) compensate(ctx context.Context, wf *store.WorkflowInstance, dag *DAG) error {
	states, err := o.store.ListStepStates(ctx, wf.ID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list step states: %v", err).WithCause(err)
	}

	// Completed steps, newest completion first.
	completed := make([]*store.StepState, 0, len(states))
	for _, s := range states {
		if s.Status == schema.StepStatusCompleted {
			completed = append(completed, s)
		}
	}
	for i := 0; i < len(completed)/2; i++ {
		j := len(completed) - 1 - i
		completed[i], completed[j] = completed[j], completed[i]
	}

	scope := o.scope(wf)

	var firstErr error
	for _, state := range completed {
		step := dag.Steps[state.StepName]
		if step == nil {
			continue
		}
		if err := o.compensateStep(ctx, wf, step, state, scope); err != nil {
			o.logger.ErrorContext(ctx, "compensation failed, continuing with earlier steps",
				"step_name", state.StepName, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		// Each failure has its own compensation record; the workflow-level
		// error carries the first one. Manual intervention required.
		return o.finalize(ctx, wf, schema.WorkflowStatusFailed, firstErr)
	}
	return o.finalize(ctx, wf, schema.WorkflowStatusRolledBack, nil)
}

// compensateStep runs one step's compensation and records the attempt in the
// append-only compensation log.
func (o *Orchestrator) compensateStep(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef, state *store.StepState, scope *expressions.Scope) error {
	ctx = logging.WithStepName(ctx, step.Name)

	comp := o.compensationFor(step)
	if comp == nil {
		// Nothing declared; record the no-op so the rollback is auditable.
		if err := o.store.AppendCompensation(ctx, &store.CompensationRecord{
			WorkflowID: wf.ID,
			StepName:   step.Name,
			Success:    true,
			NoOp:       true,
		}); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record compensation: %v", err).WithCause(err)
		}
		return o.checkpointStep(ctx, &store.StepState{
			WorkflowID:    wf.ID,
			StepName:      state.StepName,
			Status:        schema.StepStatusCompensated,
			Inputs:        state.Inputs,
			Outputs:       state.Outputs,
			CompletionSeq: state.CompletionSeq,
			StartedAt:     state.StartedAt,
			CompletedAt:   state.CompletedAt,
		})
	}

	// Templates resolve against the usual scope plus the compensated step's
	// own recorded state, so a capability default can say
	// {{step.inputs.path}} without knowing the step name.
	resolved, err := o.interp.Resolve(comp.Inputs, compensationScope(scope, state))
	if err != nil {
		err = schema.NewErrorf(schema.ErrCodeCompensation,
			"resolve compensation inputs for step %q: %v", step.Name, err).WithStep(step.Name).WithCause(err)
		return o.recordFailedCompensation(ctx, wf, step, comp, nil, err)
	}

	var inputs map[string]any
	if len(resolved) > 0 {
		if err := json.Unmarshal(resolved, &inputs); err != nil {
			err = schema.NewErrorf(schema.ErrCodeCompensation,
				"compensation inputs for step %q are not a JSON object: %v", step.Name, err).
				WithStep(step.Name).WithCause(err)
			return o.recordFailedCompensation(ctx, wf, step, comp, resolved, err)
		}
	}

	// Compensations never land on the undo ledger: rolling back a
	// rollback is not supported.
	_, execErr := o.engine.Execute(ctx, comp.Capability, inputs, ExecContext{
		Confirmed:  true,
		RecordUndo: false,
	})

	rec := &store.CompensationRecord{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		Capability: comp.Capability,
		Inputs:     resolved,
		Success:    execErr == nil,
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := o.store.AppendCompensation(ctx, rec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record compensation: %v", err).WithCause(err)
	}

	if execErr != nil {
		return schema.NewErrorf(schema.ErrCodeCompensation,
			"compensation for step %q failed: %v", step.Name, execErr).WithStep(step.Name).WithCause(execErr)
	}

	o.logger.InfoContext(ctx, "step compensated", "capability", comp.Capability)

	return o.checkpointStep(ctx, &store.StepState{
		WorkflowID:    wf.ID,
		StepName:      state.StepName,
		Status:        schema.StepStatusCompensated,
		Inputs:        state.Inputs,
		Outputs:       state.Outputs,
		CompletionSeq: state.CompletionSeq,
		StartedAt:     state.StartedAt,
		CompletedAt:   state.CompletedAt,
	})
}

// compensationScope extends the workflow scope with the compensated step's
// persisted record under the reserved "step" namespace.
func compensationScope(base *expressions.Scope, state *store.StepState) *expressions.Scope {
	step := map[string]any{
		"name":    state.StepName,
		"inputs":  map[string]any{},
		"outputs": map[string]any{},
	}
	var in map[string]any
	if len(state.Inputs) > 0 && json.Unmarshal(state.Inputs, &in) == nil {
		step["inputs"] = in
	}
	var out map[string]any
	if len(state.Outputs) > 0 && json.Unmarshal(state.Outputs, &out) == nil {
		step["outputs"] = out
	}
	return &expressions.Scope{
		Steps:  base.Steps,
		Inputs: base.Inputs,
		Step:   step,
	}
}

// recordFailedCompensation appends a failure record for a compensation that
// never reached the engine, then returns the cause.
func (o *Orchestrator) recordFailedCompensation(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef, comp *schema.CompensationRef, inputs json.RawMessage, cause error) error {
	if err := o.store.AppendCompensation(ctx, &store.CompensationRecord{
		WorkflowID: wf.ID,
		StepName:   step.Name,
		Capability: comp.Capability,
		Inputs:     inputs,
		Success:    false,
		Error:      cause.Error(),
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "record compensation: %v", err).WithCause(err)
	}
	return cause
}

// compensationFor resolves a step's effective compensation: the explicit
// override wins, then the capability's declared default.
func (o *Orchestrator) compensationFor(step *schema.StepDef) *schema.CompensationRef {
	if step.Compensation != nil {
		return step.Compensation
	}
	if step.Capability == "" {
		return nil
	}
	cap, err := o.registry.Get(step.Capability)
	if err != nil {
		return nil
	}
	return cap.Spec().Compensation
}

// Resume re-attaches to a non-terminal workflow and drives it forward. It
// is the entry point after a process restart or an out-of-band approval
// decision.
func (o *Orchestrator) Resume(ctx context.Context, workflowID string) error {
	return o.Run(ctx, workflowID)
}

// Cancel requests cancellation of a workflow. A pending instance is closed
// directly; a running or paused one is interrupted and rolled back by its
// run loop.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already %s", workflowID, wf.Status)
	}

	if wf.Status == schema.WorkflowStatusPending {
		return o.finalize(ctx, wf, schema.WorkflowStatusRolledBack, nil)
	}

	o.mu.Lock()
	o.cancelled[workflowID] = true
	cancel, running := o.cancels[workflowID]
	o.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// No in-flight run loop owns the instance (for example a paused
	// workflow after a restart); roll it back here.
	dag, err := ParseDAG(&wf.Spec)
	if err != nil {
		return o.finalize(ctx, wf, schema.WorkflowStatusFailed, err)
	}
	if err := o.rehydrateBindings(ctx, wf); err != nil {
		return err
	}
	if err := o.transition(ctx, wf, schema.WorkflowStatusCompensating); err != nil {
		return err
	}
	return o.compensate(ctx, wf, dag)
}

// Status returns the instance with its step states and compensation log.
type WorkflowStatus struct {
	Workflow      *store.WorkflowInstance     `json:"workflow"`
	Steps         []*store.StepState          `json:"steps"`
	Compensations []*store.CompensationRecord `json:"compensations,omitempty"`
	Approvals     []*store.Approval           `json:"approvals,omitempty"`
}

// Status loads the full observable state of a workflow instance.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.ListStepStates(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list step states: %v", err).WithCause(err)
	}
	comps, err := o.store.ListCompensations(ctx, workflowID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list compensations: %v", err).WithCause(err)
	}
	approvals, err := o.store.ListApprovals(ctx, workflowID, "")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list approvals: %v", err).WithCause(err)
	}
	return &WorkflowStatus{
		Workflow:      wf,
		Steps:         steps,
		Compensations: comps,
		Approvals:     approvals,
	}, nil
}

// --- helpers ---

func (o *Orchestrator) isCancelRequested(workflowID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[workflowID]
}

// transition checkpoints a workflow status change after validating it
// against the transition table. A same-status transition is a no-op.
func (o *Orchestrator) transition(ctx context.Context, wf *store.WorkflowInstance, to schema.WorkflowStatus) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if wf.Status == to {
		return nil
	}
	if err := CheckWorkflowTransition(wf.ID, wf.Status, to); err != nil {
		return err
	}
	if err := o.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Status: &to}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint workflow status: %v", err).WithCause(err)
	}
	wf.Status = to
	o.logger.InfoContext(ctx, "workflow status", "status", string(to))
	return nil
}

// finalize records a terminal status, attaching the error when present.
func (o *Orchestrator) finalize(ctx context.Context, wf *store.WorkflowInstance, to schema.WorkflowStatus, cause error) error {
	update := store.WorkflowUpdate{Status: &to}
	if cause != nil {
		errBlob, _ := json.Marshal(map[string]any{"message": cause.Error()})
		update.Error = errBlob
	}
	if err := o.store.UpdateWorkflow(ctx, wf.ID, update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint terminal status: %v", err).WithCause(err)
	}
	o.mu.Lock()
	wf.Status = to
	o.mu.Unlock()
	o.logger.InfoContext(ctx, "workflow finished", "status", string(to))
	return nil
}

// checkpointStep validates the step transition when prior state exists and
// persists the new state in a single write.
func (o *Orchestrator) checkpointStep(ctx context.Context, state *store.StepState) error {
	if prior, err := o.store.GetStepState(ctx, state.WorkflowID, state.StepName); err == nil {
		if prior.Status != state.Status {
			if err := CheckStepTransition(state.WorkflowID, state.StepName, prior.Status, state.Status); err != nil {
				return err
			}
		}
	}
	if err := o.store.UpsertStepState(ctx, state); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint step state: %v", err).WithCause(err)
	}
	return nil
}

// failStep checkpoints a failed step and returns the cause. The checkpoint
// is written even when the run context was cancelled.
func (o *Orchestrator) failStep(ctx context.Context, wf *store.WorkflowInstance, step *schema.StepDef, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errBlob, _ := json.Marshal(map[string]any{"message": cause.Error()})
	now := time.Now().UTC()

	state := &store.StepState{
		WorkflowID:  wf.ID,
		StepName:    step.Name,
		Status:      schema.StepStatusFailed,
		Error:       errBlob,
		CompletedAt: &now,
	}
	if prior, err := o.store.GetStepState(ctx, wf.ID, step.Name); err == nil {
		state.Inputs = prior.Inputs
		state.StartedAt = prior.StartedAt
	}
	if err := o.checkpointStep(ctx, state); err != nil {
		return err
	}
	o.logger.ErrorContext(ctx, "step failed", "error", cause)
	return cause
}

// bind records a completed step's outputs in the instance bindings so later
// steps can reference them. Outputs are immutable once written. The store
// write happens under the lock: two same-level steps committing concurrently
// must not overwrite each other's binding with a stale snapshot.
func (o *Orchestrator) bind(ctx context.Context, wf *store.WorkflowInstance, stepName string, outputs json.RawMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if wf.Bindings == nil {
		wf.Bindings = make(map[string]json.RawMessage)
	}
	wf.Bindings[stepName] = outputs
	snapshot := make(map[string]json.RawMessage, len(wf.Bindings))
	for k, v := range wf.Bindings {
		snapshot[k] = v
	}

	if err := o.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{Bindings: snapshot}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checkpoint bindings: %v", err).WithCause(err)
	}
	return nil
}

// rehydrateBindings merges persisted step outputs into the instance bindings.
// A step's outputs are checkpointed atomically with its COMPLETED status and
// the bindings blob is written after, so a crash between the two leaves a
// completed step missing from bindings; the step record is the authority.
func (o *Orchestrator) rehydrateBindings(ctx context.Context, wf *store.WorkflowInstance) error {
	states, err := o.store.ListStepStates(ctx, wf.ID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list step states: %v", err).WithCause(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if wf.Bindings == nil {
		wf.Bindings = make(map[string]json.RawMessage)
	}
	for _, s := range states {
		if len(s.Outputs) == 0 {
			continue
		}
		switch s.Status {
		case schema.StepStatusCompleted, schema.StepStatusCompensated:
			if _, ok := wf.Bindings[s.StepName]; !ok {
				wf.Bindings[s.StepName] = s.Outputs
			}
		}
	}
	return nil
}

// scope builds the interpolation scope from the instance bindings and the
// spec's submitted inputs.
func (o *Orchestrator) scope(wf *store.WorkflowInstance) *expressions.Scope {
	o.mu.Lock()
	defer o.mu.Unlock()

	steps := make(map[string]any, len(wf.Bindings))
	for name, raw := range wf.Bindings {
		var out any
		if err := json.Unmarshal(raw, &out); err == nil {
			steps[name] = out
		}
	}
	return &expressions.Scope{
		Steps:  steps,
		Inputs: wf.Spec.Inputs,
	}
}
