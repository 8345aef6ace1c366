package segment

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/volantdb/wal/dbfile"
	"github.com/volantdb/wal/frame"
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

func TestCurrentAppendAndLookup(t *testing.T) {
	dir := t.TempDir()
	fs := walfile.Std{}

	cur, err := Create(fs, filepath.Join(dir, "0000000000000001.seg"), testPageSize, 1, time.Unix(0, 0))
	require.NoError(t, err)
	defer cur.Close()

	frames := []frame.Frame{
		frame.New(1, 10, 0, page(1)),
		frame.New(2, 11, 0, page(2)),
		frame.New(3, 10, 5, page(3)),
	}
	require.NoError(t, cur.Append(frames))
	require.Equal(t, 3, cur.FrameCount())
	require.EqualValues(t, 3, cur.LastFrameNo())

	off, ok := cur.Lookup(10)
	require.True(t, ok)
	fr, err := cur.ReadFrame(off)
	require.NoError(t, err)
	require.EqualValues(t, 3, fr.Header.FrameNo)
	require.Equal(t, page(3), fr.Data)

	_, ok = cur.Lookup(99)
	require.False(t, ok)
}

func TestCurrentLookupAsOfRespectsSnapshot(t *testing.T) {
	dir := t.TempDir()
	fs := walfile.Std{}

	cur, err := Create(fs, filepath.Join(dir, "0000000000000001.seg"), testPageSize, 1, time.Unix(0, 0))
	require.NoError(t, err)
	defer cur.Close()

	require.NoError(t, cur.Append([]frame.Frame{frame.New(1, 10, 1, page(1))}))
	require.NoError(t, cur.Append([]frame.Frame{frame.New(2, 10, 2, page(2))}))

	off, ok := cur.LookupAsOf(10, 1)
	require.True(t, ok)
	fr, err := cur.ReadFrame(off)
	require.NoError(t, err)
	require.Equal(t, page(1), fr.Data)

	off, ok = cur.LookupAsOf(10, 2)
	require.True(t, ok)
	fr, err = cur.ReadFrame(off)
	require.NoError(t, err)
	require.Equal(t, page(2), fr.Data)

	_, ok = cur.LookupAsOf(10, 0)
	require.False(t, ok)
}

func TestCurrentSealThenSealedLookup(t *testing.T) {
	dir := t.TempDir()
	fs := walfile.Std{}
	path := filepath.Join(dir, "0000000000000001.seg")

	cur, err := Create(fs, path, testPageSize, 1, time.Unix(0, 0))
	require.NoError(t, err)

	frames := []frame.Frame{
		frame.New(1, 10, 0, page(1)),
		frame.New(2, 11, 0, page(2)),
		frame.New(3, 10, 5, page(3)),
	}
	require.NoError(t, cur.Append(frames))
	require.NoError(t, cur.Seal())

	f, err := fs.Open(path, false, true, false)
	require.NoError(t, err)
	sealed, err := Open(f, path)
	require.NoError(t, err)
	sealed.SetLastFrameNo(3)
	defer sealed.Close()

	require.EqualValues(t, 3, sealed.RecoverLastFrameNo())

	fr, ok, err := sealed.Lookup(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 3, fr.Header.FrameNo)
	require.Equal(t, page(3), fr.Data)

	fr, ok, err = sealed.Lookup(11)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, fr.Header.FrameNo)

	_, ok, err = sealed.Lookup(999)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 3, sealed.FrameCount())
}

func TestTailLookupNewestFirst(t *testing.T) {
	dir := t.TempDir()
	fs := walfile.Std{}

	seal := func(name string, frames []frame.Frame, last uint64) *Sealed {
		path := filepath.Join(dir, name)
		cur, err := Create(fs, path, testPageSize, frames[0].Header.FrameNo, time.Unix(0, 0))
		require.NoError(t, err)
		require.NoError(t, cur.Append(frames))
		require.NoError(t, cur.Seal())

		f, err := fs.Open(path, false, true, false)
		require.NoError(t, err)
		s, err := Open(f, path)
		require.NoError(t, err)
		s.SetLastFrameNo(last)
		return s
	}

	older := seal("0000000000000001.seg", []frame.Frame{frame.New(1, 10, 2, page(1))}, 1)
	newer := seal("0000000000000002.seg", []frame.Frame{frame.New(2, 10, 2, page(2))}, 2)

	tail := NewTail([]*Sealed{newer, older})
	fr, ok, err := tail.Lookup(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, fr.Header.FrameNo)

	db, err := dbfile.Open(fs, dir, testPageSize, false)
	require.NoError(t, err)
	defer db.Close()

	dropped, err := tail.TrimBefore(1, db, fs)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)
	require.Equal(t, 1, tail.Len())

	got, ok, err := db.ReadPage(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), got, "the checkpointed segment's page must have been folded into the database file")
}
