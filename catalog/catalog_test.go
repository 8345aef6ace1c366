package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	entries := []Entry{
		{Path: "0000000000000001.seg", StartFrameNo: 1, LastFrameNo: 10, Sealed: true, Size: 4096},
		{Path: "000000000000000b.seg", StartFrameNo: 11, LastFrameNo: 11, Sealed: false, Size: 64},
	}
	require.NoError(t, c.Save("ns", entries))

	got, err := c.Load("ns")
	require.NoError(t, err)
	require.Equal(t, entries, got)

	missing, err := c.Load("other")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestDeleteRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Save("ns", []Entry{{Path: "a.seg"}}))
	require.NoError(t, c.Delete("ns"))

	got, err := c.Load("ns")
	require.NoError(t, err)
	require.Nil(t, got)
}
