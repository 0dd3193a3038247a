package undo

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recoilhq/recoil/internal/capability"
	"github.com/recoilhq/recoil/internal/store"
	"github.com/recoilhq/recoil/pkg/schema"
)

// reverseCap records the params of every reversal it executes.
type reverseCap struct {
	name string
	fail bool

	mu     sync.Mutex
	params []map[string]any
}

func (r *reverseCap) Name() string          { return r.name }
func (r *reverseCap) Spec() capability.Spec { return capability.Spec{} }

func (r *reverseCap) Execute(ctx context.Context, in capability.Input) (*capability.Result, error) {
	r.mu.Lock()
	r.params = append(r.params, in.Params)
	r.mu.Unlock()
	if r.fail {
		return nil, schema.NewError(schema.ErrCodeExecution, "reversal broken")
	}
	return &capability.Result{Outputs: json.RawMessage(`{"reversed":true}`)}, nil
}

func newTestLedger(t *testing.T, capacity int, caps ...capability.Capability) (*Ledger, *capability.Registry) {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "undo.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := capability.NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	return NewLedger(s, reg, slog.Default(), Config{Capacity: capacity}), reg
}

func TestPushAndUndo_LIFO(t *testing.T) {
	rc := &reverseCap{name: "test.reverse"}
	ledger, _ := newTestLedger(t, 10, rc)
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		inputs, _ := json.Marshal(map[string]any{"target": name})
		_, err := ledger.Push(ctx, "test.op", &capability.UndoHint{
			Description:   "did " + name,
			ReverseCap:    "test.reverse",
			ReverseInputs: inputs,
		})
		require.NoError(t, err)
	}

	results, err := ledger.Undo(ctx, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Reversed)
	assert.True(t, results[1].Reversed)
	assert.Equal(t, "did third", results[0].Description)
	assert.Equal(t, "did second", results[1].Description)

	// Reversals executed newest first.
	require.Len(t, rc.params, 2)
	assert.Equal(t, "third", rc.params[0]["target"])
	assert.Equal(t, "second", rc.params[1]["target"])

	size, err := ledger.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestPush_RejectsBadHints(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := ledger.Push(ctx, "test.op", nil)
	require.Error(t, err)

	_, err = ledger.Push(ctx, "test.op", &capability.UndoHint{Description: "no reverse"})
	require.Error(t, err)
	var rerr *schema.RecoilError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeValidation, rerr.Code)
}

func TestPush_EvictsPastCapacity(t *testing.T) {
	rc := &reverseCap{name: "test.reverse"}
	ledger, _ := newTestLedger(t, 3, rc)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := ledger.Push(ctx, "test.op", &capability.UndoHint{
			Description: "did " + name,
			ReverseCap:  "test.reverse",
		})
		require.NoError(t, err)
	}

	size, err := ledger.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, size)

	history, err := ledger.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "did e", history[0].Description)
	assert.Equal(t, "did c", history[2].Description)
}

func TestUndo_FailedReversalStillRemoved(t *testing.T) {
	rc := &reverseCap{name: "test.reverse", fail: true}
	ledger, _ := newTestLedger(t, 10, rc)
	ctx := context.Background()

	_, err := ledger.Push(ctx, "test.op", &capability.UndoHint{
		Description: "doomed",
		ReverseCap:  "test.reverse",
	})
	require.NoError(t, err)

	results, err := ledger.Undo(ctx, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Reversed)
	assert.Contains(t, results[0].Error, "reversal broken")

	// The record is gone either way; a reversal that failed once is not
	// assumed to succeed on retry.
	size, err := ledger.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestUndo_UnknownReverseCapability(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	_, err := ledger.Push(ctx, "test.op", &capability.UndoHint{
		Description: "orphan",
		ReverseCap:  "gone.cap",
	})
	require.NoError(t, err)

	results, err := ledger.Undo(ctx, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Reversed)
	assert.NotEmpty(t, results[0].Error)
}

func TestUndo_EmptyStack(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)

	results, err := ledger.Undo(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestHistory_DoesNotReverse(t *testing.T) {
	rc := &reverseCap{name: "test.reverse"}
	ledger, _ := newTestLedger(t, 10, rc)
	ctx := context.Background()

	_, err := ledger.Push(ctx, "test.op", &capability.UndoHint{
		Description: "did a",
		ReverseCap:  "test.reverse",
	})
	require.NoError(t, err)

	history, err := ledger.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Empty(t, rc.params)

	size, err := ledger.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}
