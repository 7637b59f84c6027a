package fileq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuard_RollbackReplay(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSender(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("123")))
	require.NoError(t, s.Send([]byte("456")))
	require.NoError(t, s.Close())

	r, err := OpenReceiver(dir)
	require.NoError(t, err)
	defer r.Close()

	ctx := context.Background()

	g, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("123"), g.Bytes())
	g.Close() // dropped without commit: rolls back

	g2, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("123"), g2.Bytes(), "uncommitted receive must redeliver the same record")
	g2.Commit()

	g3, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("456"), g3.Bytes())
	g3.Close()

	g4, err := r.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("456"), g4.Bytes())
	g4.Commit()
}

func TestGuard_CloseAfterCommitIsNoOp(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSender(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("x")))
	require.NoError(t, s.Close())

	r, err := OpenReceiver(dir)
	require.NoError(t, err)
	defer r.Close()

	g, err := r.Recv(context.Background())
	require.NoError(t, err)
	g.Commit()
	g.Close() // must not panic or double-unlock

	// Receiver must still be usable afterward.
	require.NoError(t, r.Save())
}

func TestGuard_CommitAdvancesPersistedPositionOnlyAfterSave(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSender(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("abc")))
	require.NoError(t, s.Close())

	r, err := OpenReceiver(dir)
	require.NoError(t, err)

	g, err := r.Recv(context.Background())
	require.NoError(t, err)
	g.Commit()
	before, err := loadReceiverState(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(0), before.Position, "Commit alone must not touch the persisted checkpoint")
	require.NoError(t, r.Save())
	require.NoError(t, r.Close())

	persisted, err := loadReceiverState(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(HeaderLen+3), persisted.Position)
}

func TestGuard_CancelSafety(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSender(dir)
	require.NoError(t, err)
	require.NoError(t, s.Send([]byte("x")))
	require.NoError(t, s.Close())

	r, err := OpenReceiver(dir)
	require.NoError(t, err)
	defer r.Close()

	// Race Recv against an immediately-canceled context; the result, if
	// any, is discarded without commit.
	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if g, err := r.Recv(cctx); err == nil {
		g.Close()
	}

	g, err := r.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("x"), g.Bytes())
	g.Commit()
}

func TestGuard_CancelDuringWaitLeavesStateUntouched(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSender(dir)
	require.NoError(t, err)
	defer s.Close()

	r, err := OpenReceiver(dir)
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Recv(ctx)
	require.Error(t, err, "queue is empty, the wait should time out")

	require.NoError(t, s.Send([]byte("late")))
	g, err := r.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("late"), g.Bytes())
	g.Commit()
}
