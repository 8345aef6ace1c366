//go:build !linux && !darwin

package walfile

import "os"

func fsync(f *os.File) error {
	return f.Sync()
}
