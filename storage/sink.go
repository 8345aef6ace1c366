package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/volantdb/wal/frame"
)

// maxStoreAttempts bounds how many times flushBatch retries a failed Store
// call for the same batch before giving up and surfacing the error. Every
// attempt reuses the same StoreSegmentRequest.ID so a backend that dedupes
// on it sees retries as the same logical write (SPEC_FULL.md §11).
const maxStoreAttempts = 3

// AsyncSink batches frames for one namespace and flushes them to a
// Storage backend on a bounded pool of background workers, so a slow
// durability write never blocks the replicator from reading the next
// burst out of the WAL (SPEC_FULL.md §11, async sink worker pool backed
// by golang.org/x/sync).
type AsyncSink struct {
	storage   Storage
	namespace string
	batchSize int

	mu      sync.Mutex
	pending []frame.Frame

	sem *semaphore.Weighted
	g   *errgroup.Group
	ctx context.Context
}

// NewAsyncSink creates a sink that flushes to storage in batches of
// batchSize frames, running at most maxInFlight concurrent Store calls.
func NewAsyncSink(ctx context.Context, storage Storage, namespace string, batchSize, maxInFlight int) *AsyncSink {
	g, gctx := errgroup.WithContext(ctx)
	return &AsyncSink{
		storage:   storage,
		namespace: namespace,
		batchSize: batchSize,
		sem:       semaphore.NewWeighted(int64(maxInFlight)),
		g:         g,
		ctx:       gctx,
	}
}

// WriteFrame implements replication.Sink.
func (s *AsyncSink) WriteFrame(ctx context.Context, fr frame.Frame) error {
	s.mu.Lock()
	s.pending = append(s.pending, fr)
	var batch []frame.Frame
	if len(s.pending) >= s.batchSize {
		batch = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	if batch == nil {
		return nil
	}
	return s.flushBatch(ctx, batch)
}

// Flush forces any partially-filled batch out immediately, for use at
// namespace checkpoint/shutdown time.
func (s *AsyncSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return s.flushBatch(ctx, batch)
}

func (s *AsyncSink) flushBatch(ctx context.Context, batch []frame.Frame) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	req := StoreSegmentRequest{ID: uuid.New(), Namespace: s.namespace, Frames: batch, Timestamp: timeNow()}
	s.g.Go(func() error {
		defer s.sem.Release(1)
		var err error
		for attempt := 0; attempt < maxStoreAttempts; attempt++ {
			if err = s.storage.Store(s.ctx, req); err == nil {
				return nil
			}
		}
		return err
	})
	return nil
}

// Wait blocks until every in-flight Store call completes, returning the
// first error encountered.
func (s *AsyncSink) Wait() error {
	return s.g.Wait()
}

// timeNow is a seam so tests for this package don't need to fake the
// system clock; production always calls time.Now.
var timeNow = time.Now
