package shared

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/volantdb/wal/catalog"
	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/walfile"
)

const testPageSize = 4096

func page(b byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestCommitAndRead(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)
	defer w.Close()

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(1, page(1))
	wt.Stage(2, page(2))
	require.NoError(t, w.Commit(wt, 2))

	snap, err := w.BeginRead()
	require.NoError(t, err)
	data, ok, err := w.Read(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), data)

	_, ok, err = w.Read(snap, 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBeginWriteBusyWhileHeld(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)
	defer w.Close()

	wt, err := w.BeginWrite()
	require.NoError(t, err)

	_, err = w.BeginWrite()
	require.ErrorIs(t, err, errs.ErrBusy)

	w.Rollback(wt)

	wt2, err := w.BeginWrite()
	require.NoError(t, err)
	w.Rollback(wt2)
}

func TestReadSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)
	defer w.Close()

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(1, page(1))
	require.NoError(t, w.Commit(wt, 1))

	snap, err := w.BeginRead()
	require.NoError(t, err)

	wt2, err := w.BeginWrite()
	require.NoError(t, err)
	wt2.Stage(1, page(2))
	require.NoError(t, w.Commit(wt2, 1))

	data, ok, err := w.Read(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), data, "snapshot taken before the second commit must not see it")

	snap2, err := w.BeginRead()
	require.NoError(t, err)
	data, ok, err = w.Read(snap2, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(2), data)
}

func TestRecoverReopensExistingNamespace(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(5, page(7))
	require.NoError(t, w.Commit(wt, 5))
	require.NoError(t, w.Close())

	w2, err := Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)
	defer w2.Close()

	snap, err := w2.BeginRead()
	require.NoError(t, err)
	data, ok, err := w2.Read(snap, 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(7), data)
}

func TestCheckpointDropsCoveredSealedSegments(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, walfile.Std{}, testPageSize, WithSegmentMaxPages(1))
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		wt, err := w.BeginWrite()
		require.NoError(t, err)
		wt.Stage(uint64(i+1), page(byte(i)))
		require.NoError(t, w.Commit(wt, uint64(i+1)))
		require.NoError(t, w.rotate())
	}
	require.Equal(t, 3, w.Tail().Len())

	w.SetDurableFrameNo(w.CommittedFrameNo())
	dropped, err := w.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, 3, dropped)
	require.Equal(t, 0, w.Tail().Len())
}

func TestCatalogAcceleratesReopen(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()

	w, err := Open(dir, walfile.Std{}, testPageSize, WithCatalog(cat, "ns"), WithSegmentMaxPages(1))
	require.NoError(t, err)

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(1, page(1))
	require.NoError(t, w.Commit(wt, 1))
	require.NoError(t, w.rotate())
	require.NoError(t, w.Close())

	entries, err := cat.Load("ns")
	require.NoError(t, err)
	require.Len(t, entries, 2, "one sealed segment plus the fresh current segment")

	w2, err := Open(dir, walfile.Std{}, testPageSize, WithCatalog(cat, "ns"), WithSegmentMaxPages(1))
	require.NoError(t, err)
	defer w2.Close()

	snap, err := w2.BeginRead()
	require.NoError(t, err)
	data, ok, err := w2.Read(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), data)
}
