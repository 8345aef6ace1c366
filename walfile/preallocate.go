//go:build !linux

package walfile

import "os"

func preallocate(f *os.File, size int64) error {
	return preallocTruncate(f, size)
}
