// Package storage defines the pluggable durable-storage interface the
// replicator's Sink writes through, plus two trivial in-process
// implementations for tests and namespaces that opt out of durability.
// Real backends live in storage/postgres and storage/s3 (spec §8
// "Durable storage interface", grounded on storage/mod.rs's Storage
// trait).
package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volantdb/wal/frame"
)

// StoreSegmentRequest is one durability write: a contiguous run of frames
// for a namespace, already deduplicated and size_after-corrected by the
// replicator.
type StoreSegmentRequest struct {
	// ID identifies this store attempt. It stays the same across retries
	// of the same batch, so a backend can dedupe on it instead of relying
	// solely on the batch's (namespace, frame_no) range being retried
	// verbatim (SPEC_FULL.md §11 "idempotent segment-store retries").
	ID        uuid.UUID
	Namespace string
	Frames    []frame.Frame
	// Timestamp is when the replicator produced this request, used by
	// RestoreOptions{Timestamp: ...} backends that support point-in-time
	// restore.
	Timestamp time.Time
}

// RestoreOptions selects which generation of a namespace's durable frames
// to restore (spec §8, grounded on storage/mod.rs's RestoreOptions).
type RestoreOptions struct {
	// Latest restores the most recent durable frame_no. Mutually
	// exclusive with Timestamp.
	Latest bool
	// Timestamp restores the durable state as of the latest store at or
	// before this time.
	Timestamp time.Time
}

// Storage is the durability backend a namespace's replicator writes
// through. Implementations must be safe for concurrent use.
type Storage interface {
	// Store durably persists req, returning once the write is
	// acknowledged by the backend.
	Store(ctx context.Context, req StoreSegmentRequest) error

	// DurableFrameNo returns the highest frame_no durably stored for
	// namespace, or 0 if nothing has been stored yet.
	DurableFrameNo(ctx context.Context, namespace string) (uint64, error)

	// Restore streams the durable frames for namespace matching opts to
	// fn, in ascending frame_no order.
	Restore(ctx context.Context, namespace string, opts RestoreOptions, fn func(frame.Frame) error) error
}

// NoStorage is a Storage that accepts writes but reports everything as
// already durable: namespaces configured with it never block a checkpoint
// waiting on a durability watermark that will never arrive (spec §4.9 "a
// default no-op implementation returns ∞ for durable_frame_no so the
// checkpointer never waits", grounded on storage/mod.rs's NoStorage).
type NoStorage struct{}

func (NoStorage) Store(context.Context, StoreSegmentRequest) error { return nil }

func (NoStorage) DurableFrameNo(context.Context, string) (uint64, error) {
	return math.MaxUint64, nil
}

func (NoStorage) Restore(context.Context, string, RestoreOptions, func(frame.Frame) error) error {
	return nil
}

// TestStorage is an in-memory Storage for tests: it records every stored
// frame per namespace and reports DurableFrameNo truthfully, grounded on
// storage/mod.rs's TestStorage fake.
type TestStorage struct {
	mu     sync.Mutex
	frames map[string][]frame.Frame
}

// NewTestStorage returns an empty TestStorage.
func NewTestStorage() *TestStorage {
	return &TestStorage{frames: make(map[string][]frame.Frame)}
}

func (t *TestStorage) Store(_ context.Context, req StoreSegmentRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[req.Namespace] = append(t.frames[req.Namespace], req.Frames...)
	return nil
}

func (t *TestStorage) DurableFrameNo(_ context.Context, namespace string) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fs := t.frames[namespace]
	if len(fs) == 0 {
		return 0, nil
	}
	return fs[len(fs)-1].Header.FrameNo, nil
}

func (t *TestStorage) Restore(_ context.Context, namespace string, _ RestoreOptions, fn func(frame.Frame) error) error {
	t.mu.Lock()
	fs := append([]frame.Frame(nil), t.frames[namespace]...)
	t.mu.Unlock()
	for _, f := range fs {
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Frames returns a copy of every frame stored for namespace, for test
// assertions.
func (t *TestStorage) Frames(namespace string) []frame.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]frame.Frame(nil), t.frames[namespace]...)
}
