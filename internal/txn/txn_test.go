package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeforge/graphengine/internal/graph"
	"github.com/nodeforge/graphengine/internal/store"
	"github.com/nodeforge/graphengine/internal/wal"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	st := store.New("g1", dir, nil)
	w, err := wal.Open[Record](wal.Config{Dir: filepath.Join(dir, "wal"), SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return New("g1", st, w, nil)
}

func insertBlockOp(id, content string) (store.Operation, graph.OperationDescriptor) {
	op := store.Operation{Kind: store.OpInsertBlock, Block: &graph.Block{ExternalID: id, Content: content, PageName: "notes"}}
	desc := graph.OperationDescriptor{Kind: "insert_block", Args: map[string]any{"external_id": id, "content": content}}
	return op, desc
}

func TestBeginApplyLocalCommitsWithoutAck(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.False(t, h.Duplicate)

	require.NoError(t, co.ApplyLocal(h, ApplyOptions{NeedsAck: false}))

	rec, err := co.Get(h.ID)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, rec.State)
}

func TestBeginDedupsAgainstCommittedTransaction(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h1, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h1, ApplyOptions{NeedsAck: false}))

	// A second Begin with the identical fingerprint must bind to the
	// already-Committed record rather than creating a new Active one.
	h2, err := co.Begin(context.Background(), op, desc)
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.True(t, h2.Duplicate)
	require.Equal(t, h1.ID, h2.ID)
}

func TestBeginDoesNotDedupAgainstAbortedTransaction(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h1, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)

	rec, err := co.Get(h1.ID)
	require.NoError(t, err)
	rec.State = StateAborted
	require.NoError(t, co.wal.UpdateState(rec))

	h2, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.False(t, h2.Duplicate)
	require.NotEqual(t, h1.ID, h2.ID)
}

func TestApplyLocalWaitingForAckThenSuccessfulAckCommits(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h, ApplyOptions{NeedsAck: true, CorrelationID: "corr-1"}))

	rec, err := co.Get(h.ID)
	require.NoError(t, err)
	require.Equal(t, StateWaitingForAck, rec.State)

	done := make(chan error, 1)
	go func() { done <- co.Wait(context.Background(), "corr-1") }()

	require.NoError(t, co.OnAck("corr-1", true, ""))
	require.NoError(t, <-done)

	rec, err = co.Get(h.ID)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, rec.State)
}

func TestApplyLocalWaitingForAckThenFailureAckRollsBack(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h, ApplyOptions{NeedsAck: true, CorrelationID: "corr-1"}))

	done := make(chan error, 1)
	go func() { done <- co.Wait(context.Background(), "corr-1") }()

	require.NoError(t, co.OnAck("corr-1", false, "editor rejected"))
	require.Error(t, <-done)

	rec, err := co.Get(h.ID)
	require.NoError(t, err)
	require.Equal(t, StateAborted, rec.State)

	_, err = co.store.GetNode("B1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestOnTimeoutAbortsAndRollsBack(t *testing.T) {
	co := newCoordinator(t)
	op, desc := insertBlockOp("B1", "hello")

	h, err := co.Begin(context.Background(), op, desc)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h, ApplyOptions{NeedsAck: true, CorrelationID: "corr-1"}))

	require.NoError(t, co.OnTimeout("corr-1"))

	rec, err := co.Get(h.ID)
	require.NoError(t, err)
	require.Equal(t, StateAborted, rec.State)

	_, err = co.store.GetNode("B1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecoverReturnsOnlyNonTerminalTransactions(t *testing.T) {
	co := newCoordinator(t)
	op1, desc1 := insertBlockOp("B1", "hello")
	op2, desc2 := insertBlockOp("B2", "world")

	h1, err := co.Begin(context.Background(), op1, desc1)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h1, ApplyOptions{NeedsAck: false}))

	h2, err := co.Begin(context.Background(), op2, desc2)
	require.NoError(t, err)
	require.NoError(t, co.ApplyLocal(h2, ApplyOptions{NeedsAck: true, CorrelationID: "corr-2"}))

	recovered, err := co.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, h2.ID, recovered[0].ID)
}
