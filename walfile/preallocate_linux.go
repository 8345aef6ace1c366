//go:build linux

package walfile

import (
	"os"
	"syscall"
)

// preallocate extends f to at least size bytes without writing through the
// page cache, falling back to preallocTruncate (a Truncate to size) if
// fallocate isn't supported by the underlying filesystem.
func preallocate(f *os.File, size int64) error {
	err := syscall.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if err == syscall.ENOTSUP || err == syscall.EINTR || err == syscall.EOPNOTSUPP {
		return preallocTruncate(f, size)
	}
	return err
}
