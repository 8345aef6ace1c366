// Package txn defines the read and write transaction handles the SQL
// engine drives the WAL through (spec §4 "Transaction model"). A
// ReadSnapshot pins a frame_no so a long-running query sees a consistent
// view even as new transactions commit; a WriteTxn extends it with the
// single-writer slot and the set of pages staged for the next commit.
package txn

import (
	"time"

	"github.com/volantdb/wal/frame"
)

// ReadSnapshot is a read transaction's fixed view of the namespace: every
// read it performs is satisfied as of MaxFrameNo, never a frame committed
// after the snapshot was taken.
type ReadSnapshot struct {
	// MaxFrameNo is the highest committed frame_no visible to this
	// snapshot.
	MaxFrameNo uint64
	// Opened is when the snapshot was taken. Nothing in the engine reads
	// it; it is kept for diagnostics.
	Opened time.Time
	// closed marks a snapshot the caller has released; further reads
	// through it are a caller bug. Snapshots hold no segment retention:
	// checkpoint does not consult open snapshots.
	closed bool
}

// NewReadSnapshot pins a read transaction at maxFrameNo.
func NewReadSnapshot(maxFrameNo uint64, now time.Time) *ReadSnapshot {
	return &ReadSnapshot{MaxFrameNo: maxFrameNo, Opened: now}
}

// Close releases the snapshot. Safe to call more than once.
func (r *ReadSnapshot) Close() { r.closed = true }

// Closed reports whether Close has been called.
func (r *ReadSnapshot) Closed() bool { return r.closed }

// WriteTxn extends a ReadSnapshot with the single-writer slot for a
// namespace and the pages staged since BeginWrite. Frame numbering is
// assigned at Commit time, not at Stage time, so a rolled-back
// transaction never burns frame_no values.
type WriteTxn struct {
	ReadSnapshot

	// BaseFrameNo is MaxFrameNo at the moment the writer slot was
	// acquired; Commit fails if it no longer matches the namespace's
	// committed frame_no (another writer committed underneath it, which
	// can't happen under the single-writer invariant but is checked as a
	// defensive invariant rather than assumed).
	BaseFrameNo uint64

	// pages holds the staged write set in commit order, keyed so a page
	// written twice in one transaction keeps only its last image.
	order []uint64
	pages map[uint64][]byte

	committed  bool
	rolledBack bool
}

// NewWriteTxn starts a write transaction whose reads are pinned at
// baseFrameNo, matching the writer slot's view at acquisition time.
func NewWriteTxn(baseFrameNo uint64, now time.Time) *WriteTxn {
	return &WriteTxn{
		ReadSnapshot: ReadSnapshot{MaxFrameNo: baseFrameNo, Opened: now},
		BaseFrameNo:  baseFrameNo,
		pages:        make(map[uint64][]byte),
	}
}

// Stage records a page image to be written on Commit, overwriting any
// earlier image of the same page staged within this transaction.
func (w *WriteTxn) Stage(page uint64, data []byte) {
	if _, ok := w.pages[page]; !ok {
		w.order = append(w.order, page)
	}
	w.pages[page] = data
}

// StagedPages returns the staged pages in the order they were first
// written, for Stage to the next frame_no during Commit.
func (w *WriteTxn) StagedPages() []uint64 { return w.order }

// PageData returns the staged image for page, assuming it was staged.
func (w *WriteTxn) PageData(page uint64) []byte { return w.pages[page] }

// Empty reports whether this transaction staged no pages.
func (w *WriteTxn) Empty() bool { return len(w.order) == 0 }

// Savepoint marks the transaction's current staged-write position. Frames
// aren't materialized until Commit, so a savepoint here is just a mark
// into the staged order slice rather than an on-disk frame_no; Rollback
// undoes every Stage call made since the mark.
func (w *WriteTxn) Savepoint() int { return len(w.order) }

// Rollback undoes every Stage call made since mark (as returned by
// Savepoint), discarding their page images. mark must have come from an
// earlier Savepoint call on the same transaction. A mark of 0 undoes the
// whole transaction, which is what the WAL method table's undo_to uses
// to implement a bare rollback-without-commit.
func (w *WriteTxn) Rollback(mark int) {
	for _, page := range w.order[mark:] {
		delete(w.pages, page)
	}
	w.order = w.order[:mark]
}

// MarkCommitted records that Commit succeeded; subsequent Stage calls are
// a caller bug. Stage does not check this flag, and nothing rejects them.
func (w *WriteTxn) MarkCommitted() { w.committed = true }

// Committed reports whether this transaction already committed.
func (w *WriteTxn) Committed() bool { return w.committed }

// MarkRolledBack records that the transaction was abandoned without a
// commit, releasing its hold on the writer slot.
func (w *WriteTxn) MarkRolledBack() { w.rolledBack = true }

// RolledBack reports whether this transaction was rolled back.
func (w *WriteTxn) RolledBack() bool { return w.rolledBack }

// Frames builds the sequence of frames to append for this transaction's
// staged pages, starting at frame_no startFrameNo, with sizeAfter stamped
// only on the final frame (the commit frame).
func (w *WriteTxn) Frames(startFrameNo uint64, sizeAfter uint64) []frame.Frame {
	frames := make([]frame.Frame, len(w.order))
	for i, page := range w.order {
		var sa uint64
		if i == len(w.order)-1 {
			sa = sizeAfter
		}
		frames[i] = frame.New(startFrameNo+uint64(i), page, sa, w.pages[page])
	}
	return frames
}
