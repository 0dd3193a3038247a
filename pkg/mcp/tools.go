package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/recoilhq/recoil/internal/engine"
	"github.com/recoilhq/recoil/internal/logging"
	"github.com/recoilhq/recoil/pkg/schema"
)

// handleRun submits a workflow spec and drives it to a terminal state.
func (s *RecoilServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specRaw := mcp.ParseStringMap(req, "spec", nil)
	if specRaw == nil {
		return mcp.NewToolResultError("spec is required"), nil
	}
	actorID := req.GetString("actor_id", "")

	specBytes, err := json.Marshal(specRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}
	var spec schema.WorkflowSpec
	if err := json.Unmarshal(specBytes, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}

	if actorID != "" {
		ctx = logging.WithActorID(ctx, actorID)
	}

	wf, err := s.orchestrator.Submit(ctx, &spec)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow submission failed: %v", err)), nil
	}

	// Run drives the workflow to a terminal state; on failure, compensation
	// has already been attempted, so the final status is reported rather
	// than the error alone.
	runErr := s.orchestrator.Run(ctx, wf.ID)

	status, statusErr := s.orchestrator.Status(ctx, wf.ID)
	if statusErr != nil {
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	out := map[string]any{
		"workflow_id": wf.ID,
		"status":      status.Workflow.Status,
		"steps":       status.Steps,
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	if len(status.Compensations) > 0 {
		out["compensations"] = status.Compensations
	}
	if status.Workflow.Status == schema.WorkflowStatusPaused {
		pending := pendingApprovals(status)
		if len(pending) > 0 {
			out["pending_approvals"] = pending
		}
	}
	return marshalResult(out)
}

// handleStatus returns the current state of a workflow.
func (s *RecoilServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, statusErr := s.orchestrator.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleApprove records an approval decision and resumes the workflow.
func (s *RecoilServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decider, err := req.RequireString("decider")
	if err != nil {
		return mcp.NewToolResultError("decider is required"), nil
	}
	approved := req.GetBool("approved", false)
	rationale := req.GetString("rationale", "")

	decision := schema.ApprovalDecision{
		ApprovalID: approvalID,
		Approved:   approved,
		Decider:    decider,
		Rationale:  rationale,
	}
	ap, decErr := s.gate.Decide(ctx, decision)
	if decErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decErr)), nil
	}

	// Auto-resume so the caller doesn't have to make a separate call when
	// no executor is attached to the workflow (e.g. after a restart).
	resumeErr := s.orchestrator.Resume(ctx, ap.WorkflowID)

	status, statusErr := s.orchestrator.Status(ctx, ap.WorkflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision accepted but status query failed: %v", statusErr)), nil
	}

	out := map[string]any{
		"ok":          true,
		"approval_id": approvalID,
		"approved":    approved,
		"workflow_id": ap.WorkflowID,
		"status":      status.Workflow.Status,
	}
	if resumeErr != nil {
		out["resume_error"] = resumeErr.Error()
	}
	return marshalResult(out)
}

// handleResume re-attaches to a non-terminal workflow.
func (s *RecoilServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	runErr := s.orchestrator.Resume(ctx, workflowID)

	status, statusErr := s.orchestrator.Status(ctx, workflowID)
	if statusErr != nil {
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", runErr)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	out := map[string]any{
		"workflow_id": workflowID,
		"status":      status.Workflow.Status,
		"steps":       status.Steps,
	}
	if runErr != nil {
		out["error"] = runErr.Error()
	}
	return marshalResult(out)
}

// handleCancel cancels a workflow and rolls back completed steps.
func (s *RecoilServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if cancelErr := s.orchestrator.Cancel(ctx, workflowID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	status, statusErr := s.orchestrator.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel accepted but status query failed: %v", statusErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"status":      status.Workflow.Status,
	})
}

// handleInvoke executes a single capability through the engine gates.
func (s *RecoilServer) handleInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	capName, err := req.RequireString("capability")
	if err != nil {
		return mcp.NewToolResultError("capability is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", map[string]any{})
	confirmed := req.GetBool("confirmed", false)
	actorID := req.GetString("actor_id", "")

	if actorID != "" {
		ctx = logging.WithActorID(ctx, actorID)
	}

	outcome, execErr := s.engine.Execute(ctx, capName, inputs, engine.ExecContext{
		Confirmed:  confirmed,
		RecordUndo: true,
		ActorID:    actorID,
	})
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", execErr)), nil
	}

	if outcome.ConfirmationRequired {
		return marshalResult(map[string]any{
			"confirmation_required": true,
			"capability":            capName,
			"message":               fmt.Sprintf("capability %q requires confirmation; re-invoke with confirmed=true to proceed", capName),
		})
	}

	out := map[string]any{
		"capability": capName,
		"outputs":    json.RawMessage(outcome.Outputs),
	}
	if outcome.UndoSeq > 0 {
		out["undo_seq"] = outcome.UndoSeq
	}
	return marshalResult(out)
}

// handleCapabilities lists registered capabilities.
func (s *RecoilServer) handleCapabilities(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"capabilities": s.registry.List(),
	})
}

// handleUndoLast reverses the most recent operations on the undo stack.
func (s *RecoilServer) handleUndoLast(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := req.GetInt("count", 1)
	if count < 1 {
		return mcp.NewToolResultError("count must be at least 1"), nil
	}

	reversals, undoErr := s.ledger.Undo(ctx, count)
	if undoErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("undo failed: %v", undoErr)), nil
	}

	reversed := 0
	for _, r := range reversals {
		if r.Reversed {
			reversed++
		}
	}
	return marshalResult(map[string]any{
		"requested": count,
		"reversed":  reversed,
		"results":   reversals,
	})
}

// handleUndoHistory returns the undo stack newest first without reversing.
func (s *RecoilServer) handleUndoHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := req.GetInt("count", 10)
	if count < 1 {
		return mcp.NewToolResultError("count must be at least 1"), nil
	}

	records, histErr := s.ledger.History(ctx, count)
	if histErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", histErr)), nil
	}
	return marshalResult(map[string]any{
		"size":    len(records),
		"records": records,
	})
}

// pendingApprovals extracts undecided approvals from a workflow status.
func pendingApprovals(status *engine.WorkflowStatus) []capabilityApprovalView {
	var out []capabilityApprovalView
	for _, ap := range status.Approvals {
		if ap.Status == schema.ApprovalStatusPending {
			out = append(out, capabilityApprovalView{
				ApprovalID: ap.ID,
				StepName:   ap.StepName,
				Prompt:     ap.Prompt,
			})
		}
	}
	return out
}

type capabilityApprovalView struct {
	ApprovalID string `json:"approval_id"`
	StepName   string `json:"step_name"`
	Prompt     string `json:"prompt"`
}

// marshalResult serializes a value as a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
