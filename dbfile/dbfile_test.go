package dbfile

import (
	"testing"

	"github.com/stretchr/testify/require"

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

func TestApplyFrameWritesPageAlignedOffset(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(walfile.Std{}, dir, testPageSize, false)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.ApplyFrame(1, page(1)))
	require.NoError(t, f.ApplyFrame(3, page(3)))
	require.NoError(t, f.Sync(42))

	got, ok, err := f.ReadPage(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), got)

	got, ok, err = f.ReadPage(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(3), got)

	require.EqualValues(t, 42, f.ReplicationIndex())
	require.EqualValues(t, 3, f.DBSizeInPages())
}

func TestReadPagePastEndRespectsLazyGrow(t *testing.T) {
	dir := t.TempDir()

	strict, err := Open(walfile.Std{}, dir, testPageSize, false)
	require.NoError(t, err)
	defer strict.Close()

	_, ok, err := strict.ReadPage(5)
	require.NoError(t, err)
	require.False(t, ok, "a strict database file must not invent pages past its end")
}

func TestReadPagePastEndZeroFillsWhenLazy(t *testing.T) {
	dir := t.TempDir()
	lazy, err := Open(walfile.Std{}, dir, testPageSize, true)
	require.NoError(t, err)
	defer lazy.Close()

	data, ok, err := lazy.ReadPage(5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, make([]byte, testPageSize), data)
}

func TestHeaderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	f, err := Open(walfile.Std{}, dir, testPageSize, false)
	require.NoError(t, err)
	require.NoError(t, f.ApplyFrame(2, page(2)))
	require.NoError(t, f.Sync(7))
	require.NoError(t, f.Close())

	reopened, err := Open(walfile.Std{}, dir, testPageSize, false)
	require.NoError(t, err)
	defer reopened.Close()
	require.EqualValues(t, 7, reopened.ReplicationIndex())
	require.EqualValues(t, 2, reopened.DBSizeInPages())
}
