package walfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStdFileReadWriteAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")

	fs := Std{}
	f, err := fs.Open(path, true, true, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteAllAt([]byte("hello"), 0))
	require.NoError(t, f.WriteAllAt([]byte("world"), 5))

	buf := make([]byte, 10)
	require.NoError(t, f.ReadExactAt(buf, 0))
	require.Equal(t, "helloworld", string(buf))

	require.NoError(t, f.SyncAll())

	size, err := f.Size()
	require.NoError(t, err)
	require.EqualValues(t, 10, size)
}

func TestStdFileSetLenAndPreallocate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")

	fs := Std{}
	f, err := fs.Open(path, true, true, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Preallocate(4096))
	size, err := f.Size()
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(4096))

	require.NoError(t, f.SetLen(128))
	size, err = f.Size()
	require.NoError(t, err)
	require.EqualValues(t, 128, size)
}

func TestFSCreateDirAllAndReadDir(t *testing.T) {
	dir := t.TempDir()
	fs := Std{}

	nested := filepath.Join(dir, "ns", "segments")
	require.NoError(t, fs.CreateDirAll(nested))

	f, err := fs.Open(filepath.Join(nested, "0000000000000001.seg"), true, true, true)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	names, err := fs.ReadDir(nested)
	require.NoError(t, err)
	require.Equal(t, []string{"0000000000000001.seg"}, names)
}

func TestFlakyFailsWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.bin")

	flaky := NewFlaky(Std{}, 1, 1.0)
	f, err := flaky.Open(path, true, true, true)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.WriteAllAt([]byte("ok"), 0))

	flaky.Enable()
	err = f.WriteAllAt([]byte("fails"), 0)
	require.Error(t, err)

	flaky.Disable()
	require.NoError(t, f.WriteAllAt([]byte("ok-again"), 0))
}
