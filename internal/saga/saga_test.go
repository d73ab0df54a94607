package saga

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeforge/graphengine/internal/wal"
)

func openWAL(t *testing.T) *wal.WAL[Record] {
	t.Helper()
	w, err := wal.Open[Record](wal.Config{Dir: t.TempDir(), SyncWrites: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

// TestSagaWithPageCreationCompensates realizes §8 end-to-end scenario 3:
// create_page succeeds, create_block fails, and the compensating
// delete_page runs for the completed step.
func TestSagaWithPageCreationCompensates(t *testing.T) {
	w := openWAL(t)
	co := New(w, nil)

	var pageDeleted bool

	def := NewBuilder("create_block_on_new_page").
		WithCompensableStep("create_page", StepOutboundCommand,
			func(ctx context.Context) (any, error) { return "new-page", nil },
			func(ctx context.Context, result any) error { pageDeleted = true; return nil },
		).
		WithStep("create_block", StepOutboundCommand,
			func(ctx context.Context) (any, error) { return nil, errors.New("editor reported ack failure") },
		).
		Build()

	rec, err := co.Run(context.Background(), "graph-1", def)
	require.Error(t, err)
	require.Equal(t, StateCompensated, rec.State)
	require.True(t, pageDeleted, "compensating delete_page should have run")
	require.Equal(t, StepCompensated, rec.Steps[0].State)
	require.Equal(t, StepFailed, rec.Steps[1].State)
}

func TestSagaAllStepsSucceedCompletes(t *testing.T) {
	w := openWAL(t)
	co := New(w, nil)

	def := NewBuilder("create_block").
		WithStep("create_block", StepOutboundCommand, func(ctx context.Context) (any, error) { return "B1", nil }).
		Build()

	rec, err := co.Run(context.Background(), "graph-1", def)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, rec.State)
}

func TestFirstStepFailureYieldsFailedNotCompensated(t *testing.T) {
	w := openWAL(t)
	co := New(w, nil)

	def := NewBuilder("create_block").
		WithStep("validate", StepLocalMutation, func(ctx context.Context) (any, error) { return nil, errors.New("invalid") }).
		Build()

	rec, err := co.Run(context.Background(), "graph-1", def)
	require.Error(t, err)
	require.Equal(t, StateFailed, rec.State)
}

func TestRecoverReturnsNonTerminalSagas(t *testing.T) {
	w := openWAL(t)
	co := New(w, nil)

	hang := make(chan struct{})
	done := make(chan struct{})
	def := NewBuilder("hanging").
		WithStep("wait", StepOutboundCommand, func(ctx context.Context) (any, error) {
			close(done)
			<-hang
			return nil, nil
		}).
		Build()

	go func() { _, _ = co.Run(context.Background(), "graph-1", def) }()
	<-done

	recovered, err := co.Recover()
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, StateRunning, recovered[0].State)

	require.NoError(t, co.Abandon(recovered[0]))

	again, err := co.Recover()
	require.NoError(t, err)
	require.Len(t, again, 0)

	close(hang) // release the parked goroutine; its eventual write is irrelevant to this test
}
