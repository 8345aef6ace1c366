//go:build darwin

package walfile

import (
	"os"
	"syscall"
)

// fsync issues F_FULLFSYNC on darwin: the plain fsync(2) syscall there only
// flushes to the drive's write cache, not to the platter.
func fsync(f *os.File) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, f.Fd(), syscall.F_FULLFSYNC, 0)
	if errno == 0 {
		return nil
	}
	return f.Sync()
}
