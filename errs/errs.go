// Package errs defines the error kinds shared across the WAL engine.
//
// Callers should use errors.Is against the sentinel values, or errors.As
// against *CorruptError, rather than comparing strings.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested frame or page has no entry in
	// the consulted segment or index.
	ErrNotFound = errors.New("wal: not found")

	// ErrSealed is returned by operations that mutate a segment once it has
	// already been sealed.
	ErrSealed = errors.New("wal: segment sealed")

	// ErrClosed is returned by any operation on a shared WAL or registry
	// after it has been closed or has shut down.
	ErrClosed = errors.New("wal: closed")

	// ErrBusy is returned by BeginWrite when another writer already holds the
	// single writer slot for the namespace. Non-fatal: the caller retries
	// with its own backoff.
	ErrBusy = errors.New("wal: busy")

	// ErrShuttingDown is returned by Registry.Open once Shutdown has been
	// called. Non-retryable.
	ErrShuttingDown = errors.New("wal: shutting down")

	// ErrChannelClosed is returned by a Replicator whose shared WAL has been
	// dropped; the replicator should terminate its stream.
	ErrChannelClosed = errors.New("wal: watch channel closed")
)

// CorruptError reports on-disk or in-memory state the engine cannot trust:
// a bad segment or database-file magic, a frame checksum mismatch, an
// out-of-order frame append, an unsealed segment that is not the newest,
// a malformed segment filename, or a stale writer snapshot. A namespace
// whose open fails with it stays registered as failed until it is closed
// in the registry. Recovery of an unsealed segment truncates trailing
// frames that fail their checksum rather than reporting them as corrupt.
type CorruptError struct {
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("wal: corrupt: %s", e.Reason)
}

// Corrupt builds a *CorruptError with the given reason.
func Corrupt(reason string, args ...any) error {
	return &CorruptError{Reason: fmt.Sprintf(reason, args...)}
}

// IsCorrupt reports whether err is (or wraps) a *CorruptError.
func IsCorrupt(err error) bool {
	var c *CorruptError
	return errors.As(err, &c)
}
