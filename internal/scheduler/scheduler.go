package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to run workflows.
// Satisfied by the orchestrator (avoids import cycle).
type WorkflowRunner interface {
	Submit(ctx context.Context, spec *schema.WorkflowSpec) (*store.WorkflowInstance, error)
	Run(ctx context.Context, workflowID string) error
}

// Scheduler polls the store for due scheduled jobs and submits their
// workflow specs. A job is due when its cron schedule fires after its last
// recorded run.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled jobs and runs those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListScheduledJobs(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		due, err := s.isDue(job, now)
		if err != nil {
			s.logger.Error("invalid cron expression",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
			continue
		}
		if !due {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		if err := s.runJob(ctx, job); err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// isDue reports whether the job's schedule has fired since its last run.
// A never-run job measures from its creation time.
func (s *Scheduler) isDue(job *store.ScheduledJob, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(job.CronExpr)
	if err != nil {
		return false, fmt.Errorf("parse cron expression %q: %w", job.CronExpr, err)
	}
	from := job.CreatedAt
	if job.LastRunAt != nil {
		from = *job.LastRunAt
	}
	return !schedule.Next(from).After(now), nil
}

// runJob submits the job's workflow spec, runs it, and stamps the run.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
	)

	// Stamp first so a long run does not double-fire on the next tick.
	if err := s.store.TouchScheduledJob(ctx, job.ID); err != nil {
		return fmt.Errorf("stamp scheduled job %q: %w", job.ID, err)
	}

	wf, err := s.runner.Submit(ctx, &job.Spec)
	if err != nil {
		return fmt.Errorf("submit workflow for job %q: %w", job.ID, err)
	}
	if err := s.runner.Run(ctx, wf.ID); err != nil {
		return fmt.Errorf("run workflow %q for job %q: %w", wf.ID, job.ID, err)
	}
	return nil
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.done = nil
	s.cancel = nil
	s.logger.Info("scheduler stopped")
	return nil
}
