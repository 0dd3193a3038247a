package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/pkg/schema"
)

// Recovery re-attaches the orchestrator to every non-terminal workflow
// instance found in the store at startup. Each instance resumes from its
// persisted checkpoints; completed steps are never re-invoked, and an
// instance that died mid-compensation finishes its rollback.
type Recovery struct {
	store        store.Store
	orchestrator *Orchestrator
	logger       *slog.Logger
}

// NewRecovery creates a Recovery bootstrapper.
func NewRecovery(st store.Store, orch *Orchestrator, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{
		store:        st,
		orchestrator: orch,
		logger:       logger,
	}
}

// Recover resumes all active instances concurrently and waits for them to
// settle. Paused instances block on their approval, so callers typically run
// Recover on its own goroutine.
func (r *Recovery) Recover(ctx context.Context) error {
	active, err := r.store.ListActiveWorkflows(ctx)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list active workflows: %v", err).WithCause(err)
	}
	if len(active) == 0 {
		r.logger.InfoContext(ctx, "recovery found no active workflows")
		return nil
	}

	r.logger.InfoContext(ctx, "recovering active workflows", "count", len(active))

	var wg sync.WaitGroup
	for _, wf := range active {
		wg.Add(1)
		go func(wf *store.WorkflowInstance) {
			defer wg.Done()
			r.logger.InfoContext(ctx, "resuming workflow",
				"workflow_id", wf.ID, "name", wf.Name, "status", string(wf.Status))
			if err := r.orchestrator.Resume(ctx, wf.ID); err != nil {
				r.logger.ErrorContext(ctx, "workflow recovery failed",
					"workflow_id", wf.ID, "error", err)
			}
		}(wf)
	}
	wg.Wait()
	return nil
}

// Start launches recovery in the background and returns immediately.
func (r *Recovery) Start(ctx context.Context) {
	go func() {
		if err := r.Recover(ctx); err != nil {
			r.logger.ErrorContext(ctx, "recovery pass failed", "error", err)
		}
	}()
}
