package walfile

import "os"

// preallocTruncate is the portable fallback: grow the file with Truncate if
// it is currently shorter than size. It does not guarantee the allocated
// blocks are physically backed, only that the logical size is correct.
func preallocTruncate(f *os.File, size int64) error {
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() >= size {
		return nil
	}
	return f.Truncate(size)
}
