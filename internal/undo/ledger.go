package undo

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/pkg/schema"
)

const defaultCapacity = 100

// Ledger is the durable LIFO undo stack. Every record is persisted before
// the ledger acknowledges the push, so the stack survives a process restart.
// Reverse actions are capability references resolved through the registry,
// never in-memory closures.
type Ledger struct {
	store    store.Store
	registry *capability.Registry
	logger   *slog.Logger
	capacity int

	// Serializes pop-and-reverse so two concurrent undo calls cannot
	// reverse the same record.
	mu sync.Mutex
}

// Config configures a Ledger.
type Config struct {
	// Capacity bounds the stack; pushing past it evicts the oldest
	// records. Evicted operations can no longer be undone.
	Capacity int
}

// NewLedger creates a Ledger backed by the given store and registry.
func NewLedger(st store.Store, reg *capability.Registry, logger *slog.Logger, cfg Config) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    st,
		registry: reg,
		logger:   logger,
		capacity: cfg.Capacity,
	}
}

// Push persists a new undo record at the top of the stack. When the stack is
// full the oldest records are evicted first; each eviction is logged because
// it permanently forfeits undoability of that operation.
func (l *Ledger) Push(ctx context.Context, capName string, hint *capability.UndoHint) (int64, error) {
	if hint == nil {
		return 0, schema.NewError(schema.ErrCodeValidation, "undo hint is nil")
	}
	if hint.ReverseCap == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "undo hint has no reverse capability")
	}

	rec := &store.UndoRecord{
		Capability:    capName,
		Description:   hint.Description,
		Backup:        hint.Backup,
		ReverseCap:    hint.ReverseCap,
		ReverseInputs: hint.ReverseInputs,
	}
	seq, err := l.store.PushUndo(ctx, rec)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "push undo record: %v", err).WithCause(err)
	}

	evicted, err := l.store.EvictUndo(ctx, l.capacity)
	if err != nil {
		return seq, schema.NewErrorf(schema.ErrCodeStore, "evict undo records: %v", err).WithCause(err)
	}
	if evicted > 0 {
		l.logger.Warn("undo ledger evicted oldest records",
			"evicted", evicted, "capacity", l.capacity)
	}

	return seq, nil
}

// Reversal is the outcome of undoing one record.
type Reversal struct {
	Seq         int64           `json:"seq"`
	Capability  string          `json:"capability"`
	Description string          `json:"description"`
	Reversed    bool            `json:"reversed"`
	Error       string          `json:"error,omitempty"`
	Outputs     json.RawMessage `json:"outputs,omitempty"`
}

// Undo pops and reverses the top n records in strict LIFO order. A failed
// reversal is reported in its Reversal entry but the record is still removed
// from the stack; a reversal that failed once is not assumed to succeed on
// retry, and leaving it on top would wedge the stack.
func (l *Ledger) Undo(ctx context.Context, n int) ([]Reversal, error) {
	if n <= 0 {
		n = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.store.TopUndo(ctx, n)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read undo records: %v", err).WithCause(err)
	}

	results := make([]Reversal, 0, len(records))
	for _, rec := range records {
		rv := Reversal{
			Seq:         rec.Seq,
			Capability:  rec.Capability,
			Description: rec.Description,
		}

		outputs, revErr := l.reverse(ctx, rec)
		if revErr != nil {
			rv.Error = revErr.Error()
			l.logger.Error("undo reversal failed",
				"seq", rec.Seq, "capability", rec.Capability, "error", revErr)
		} else {
			rv.Reversed = true
			rv.Outputs = outputs
			l.logger.Info("undid operation",
				"seq", rec.Seq, "capability", rec.Capability, "description", rec.Description)
		}

		if err := l.store.DeleteUndo(ctx, rec.Seq); err != nil {
			return results, schema.NewErrorf(schema.ErrCodeStore, "remove undo record %d: %v", rec.Seq, err).WithCause(err)
		}
		results = append(results, rv)
	}

	return results, nil
}

// reverse executes one record's reverse capability.
func (l *Ledger) reverse(ctx context.Context, rec *store.UndoRecord) (json.RawMessage, error) {
	cap, err := l.registry.Get(rec.ReverseCap)
	if err != nil {
		return nil, err
	}

	var params map[string]any
	if len(rec.ReverseInputs) > 0 {
		if err := json.Unmarshal(rec.ReverseInputs, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"decode reverse inputs for record %d: %v", rec.Seq, err).WithCause(err)
		}
	}

	// The original operation was already confirmed; its reversal inherits
	// that consent.
	result, err := cap.Execute(ctx, capability.Input{Params: params, Confirmed: true})
	if err != nil {
		return nil, err
	}
	return result.Outputs, nil
}

// History returns the top n records without reversing them, newest first.
func (l *Ledger) History(ctx context.Context, n int) ([]*store.UndoRecord, error) {
	if n <= 0 {
		n = 10
	}
	return l.store.TopUndo(ctx, n)
}

// Size returns the number of records currently on the stack.
func (l *Ledger) Size(ctx context.Context) (int, error) {
	return l.store.CountUndo(ctx)
}
