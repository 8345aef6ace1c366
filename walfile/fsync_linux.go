//go:build linux

package walfile

import "os"

func fsync(f *os.File) error {
	return f.Sync()
}
