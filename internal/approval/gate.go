package approval

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/pkg/schema"
)

// Gate manages human-approval requests. Requests are persisted before anyone
// waits on them, so a decision can arrive while the process is down and be
// picked up by recovery. Each request is decided exactly once.
type Gate struct {
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string]chan schema.ApprovalDecision // approval ID -> waiter
}

// NewGate creates a Gate backed by the given store.
func NewGate(st store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:   st,
		logger:  logger,
		waiters: make(map[string]chan schema.ApprovalDecision),
	}
}

// Request persists a new pending approval and returns it.
func (g *Gate) Request(ctx context.Context, workflowID, stepName, prompt string) (*store.Approval, error) {
	a := &store.Approval{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		StepName:   stepName,
		Prompt:     prompt,
		Status:     schema.ApprovalStatusPending,
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create approval: %v", err).WithCause(err)
	}
	g.logger.InfoContext(ctx, "approval requested",
		"approval_id", a.ID, "workflow_id", workflowID, "step_name", stepName)
	return a, nil
}

// Wait blocks until the approval is decided or the context ends. If the
// approval was already decided (for example before a restart) the persisted
// decision is returned immediately.
func (g *Gate) Wait(ctx context.Context, approvalID string) (schema.ApprovalDecision, error) {
	// Check the persisted state first; the decision may predate this waiter.
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return schema.ApprovalDecision{}, err
	}
	if a.Status != schema.ApprovalStatusPending {
		return decisionFrom(a), nil
	}

	ch := make(chan schema.ApprovalDecision, 1)
	g.mu.Lock()
	g.waiters[approvalID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiters, approvalID)
		g.mu.Unlock()
	}()

	// The decision may have landed between the read and the waiter
	// registration; re-check once.
	a, err = g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return schema.ApprovalDecision{}, err
	}
	if a.Status != schema.ApprovalStatusPending {
		return decisionFrom(a), nil
	}

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return schema.ApprovalDecision{}, schema.NewErrorf(schema.ErrCodeCancelled,
			"wait for approval %q interrupted: %v", approvalID, ctx.Err()).WithCause(ctx.Err())
	}
}

// Decide records a decision for a pending approval and wakes its waiter.
// A second decision for the same approval fails with CONFLICT.
func (g *Gate) Decide(ctx context.Context, d schema.ApprovalDecision) (*store.Approval, error) {
	status := schema.ApprovalStatusRejected
	if d.Approved {
		status = schema.ApprovalStatusApproved
	}

	if err := g.store.DecideApproval(ctx, d.ApprovalID, string(status), d.Decider, d.Rationale); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "approval decided",
		"approval_id", d.ApprovalID, "approved", d.Approved, "decider", d.Decider)

	g.mu.Lock()
	ch, ok := g.waiters[d.ApprovalID]
	g.mu.Unlock()
	if ok {
		// Buffered; never blocks.
		ch <- d
	}
	return g.store.GetApproval(ctx, d.ApprovalID)
}

// Get returns an approval by ID.
func (g *Gate) Get(ctx context.Context, approvalID string) (*store.Approval, error) {
	return g.store.GetApproval(ctx, approvalID)
}

// Pending lists pending approvals, optionally scoped to one workflow.
func (g *Gate) Pending(ctx context.Context, workflowID string) ([]*store.Approval, error) {
	return g.store.ListApprovals(ctx, workflowID, string(schema.ApprovalStatusPending))
}

func decisionFrom(a *store.Approval) schema.ApprovalDecision {
	return schema.ApprovalDecision{
		ApprovalID: a.ID,
		Approved:   a.Status == schema.ApprovalStatusApproved,
		Decider:    a.Decider,
		Rationale:  a.Rationale,
	}
}
