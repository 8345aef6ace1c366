package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadSnapshotClose(t *testing.T) {
	snap := NewReadSnapshot(5, time.Now())
	require.False(t, snap.Closed())
	snap.Close()
	require.True(t, snap.Closed())
}

func TestWriteTxnStageOverwritesSamePage(t *testing.T) {
	wt := NewWriteTxn(10, time.Now())
	wt.Stage(1, []byte("a"))
	wt.Stage(2, []byte("b"))
	wt.Stage(1, []byte("a2"))

	require.Equal(t, []uint64{1, 2}, wt.StagedPages(), "page 1 keeps its original position, last image wins")
	require.Equal(t, []byte("a2"), wt.PageData(1))
	require.False(t, wt.Empty())
}

func TestWriteTxnFramesStampsSizeAfterOnLastOnly(t *testing.T) {
	wt := NewWriteTxn(10, time.Now())
	wt.Stage(1, []byte("a"))
	wt.Stage(2, []byte("b"))
	wt.Stage(3, []byte("c"))

	frames := wt.Frames(11, 99)
	require.Len(t, frames, 3)
	for i, fr := range frames {
		require.EqualValues(t, 11+i, fr.Header.FrameNo)
	}
	require.Zero(t, frames[0].Header.SizeAfter)
	require.Zero(t, frames[1].Header.SizeAfter)
	require.EqualValues(t, 99, frames[2].Header.SizeAfter)
}

func TestWriteTxnSavepointRollback(t *testing.T) {
	wt := NewWriteTxn(0, time.Now())
	wt.Stage(1, []byte("a"))
	mark := wt.Savepoint()
	wt.Stage(2, []byte("b"))
	wt.Stage(3, []byte("c"))
	require.Len(t, wt.StagedPages(), 3)

	wt.Rollback(mark)
	require.Equal(t, []uint64{1}, wt.StagedPages())
	require.Nil(t, wt.PageData(2))
	require.Nil(t, wt.PageData(3))
}

func TestWriteTxnRollbackToZeroUndoesEverything(t *testing.T) {
	wt := NewWriteTxn(0, time.Now())
	wt.Stage(1, []byte("a"))
	wt.Stage(2, []byte("b"))

	wt.Rollback(0)
	require.True(t, wt.Empty())
}

func TestWriteTxnCommittedAndRolledBackFlags(t *testing.T) {
	wt := NewWriteTxn(0, time.Now())
	require.False(t, wt.Committed())
	wt.MarkCommitted()
	require.True(t, wt.Committed())

	wt2 := NewWriteTxn(0, time.Now())
	wt2.MarkRolledBack()
	require.True(t, wt2.RolledBack())
}
