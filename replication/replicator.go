// Package replication implements the frame-streaming replicator: it walks
// a namespace's sealed tail and then its Current segment in commit order,
// deduplicating repeated page images within a burst and rewriting
// size_after onto the burst's true last frame, then blocks for new
// commits via the Shared WAL's commit signal (spec §7 "Replicator",
// grounded on replicator.rs's frame_stream).
package replication

import (
	"context"

	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/segment"
	"github.com/volantdb/wal/shared"
)

// Sink receives frames as the Replicator discovers them. Implementations
// typically forward to a Storage backend (see the storage package).
type Sink interface {
	// WriteFrame is called once per frame, in commit order. sizeAfter on
	// the frame passed here is already the burst-corrected value.
	WriteFrame(ctx context.Context, fr frame.Frame) error
}

// Replicator streams committed frames for one namespace to a Sink,
// starting from a given frame_no and continuing indefinitely until ctx is
// canceled or the namespace's Shared WAL is closed.
type Replicator struct {
	wal  *shared.WAL
	sink Sink

	// seenPages dedupes repeated page images within the current
	// not-yet-durable burst: storage only needs the final image of a page
	// that was overwritten multiple times before its frames were all
	// flushed together (spec §7 "page dedupe bitmap").
	seenPages map[uint64]struct{}

	// lastKnownSize is the database size in pages as of the most recent
	// commit frame seen, used to stamp size_after onto the true last frame
	// of a burst even when that frame wasn't itself a commit frame.
	lastKnownSize uint64
}

// New creates a Replicator for wal that forwards frames to sink.
func New(wal *shared.WAL, sink Sink) *Replicator {
	return &Replicator{wal: wal, sink: sink, seenPages: make(map[uint64]struct{})}
}

// Run streams frames starting at fromFrameNo (inclusive) until ctx is
// done or the WAL closes. It never returns nil: it returns ctx.Err() once
// ctx is done, errs.ErrChannelClosed once the WAL closes, or the first
// error from reading frames or from the sink.
func (r *Replicator) Run(ctx context.Context, fromFrameNo uint64) error {
	next := fromFrameNo
	for {
		sent, err := r.streamOnce(ctx, next)
		if err != nil {
			return err
		}
		next += uint64(sent)

		if sent > 0 {
			continue // more may already be available; don't wait.
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wal.CommitSignal():
			if r.wal.Closed() {
				return errs.ErrChannelClosed
			}
		}
	}
}

// streamOnce sends every frame currently available at or after
// fromFrameNo, oldest first, and returns how many frames it consumed,
// including frames the within-burst page dedupe did not send.
func (r *Replicator) streamOnce(ctx context.Context, fromFrameNo uint64) (int, error) {
	sent := 0

	tail := r.wal.Tail()
	segs := tail.SegmentsSince(fromFrameNo)
	for _, seg := range segs {
		n := seg.FrameCount()
		for i := 0; i < n; i++ {
			fr, err := seg.ReadFrame(i)
			if err != nil {
				return sent, err
			}
			if fr.Header.FrameNo < fromFrameNo {
				continue
			}
			if err := r.emit(ctx, fr, i == n-1); err != nil {
				return sent, err
			}
			sent++
		}
	}

	cur := r.wal.Current()
	burstStart := fromFrameNo
	if sent > 0 {
		burstStart = fromFrameNo + uint64(sent)
	}
	frames, err := r.readCurrentFrom(cur, burstStart)
	if err != nil {
		return sent, err
	}
	for i, fr := range frames {
		if err := r.emit(ctx, fr, i == len(frames)-1); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// emit forwards fr to the sink, deduplicating repeated page images within
// a burst and rewriting size_after onto the burst's real last frame: the
// page dedupe bitmap resets, and size_after is force-set, only on isLast.
func (r *Replicator) emit(ctx context.Context, fr frame.Frame, isLast bool) error {
	if fr.Header.SizeAfter != 0 {
		r.lastKnownSize = fr.Header.SizeAfter
	}

	if _, dup := r.seenPages[fr.Header.PageNo]; dup && !isLast {
		return nil
	}
	r.seenPages[fr.Header.PageNo] = struct{}{}

	out := fr
	if isLast {
		out.Header.SizeAfter = r.lastKnownSize
		r.seenPages = make(map[uint64]struct{})
	}
	return r.sink.WriteFrame(ctx, out)
}

// readCurrentFrom reads every frame in cur at or after fromFrameNo.
func (r *Replicator) readCurrentFrom(cur *segment.Current, fromFrameNo uint64) ([]frame.Frame, error) {
	last := cur.LastFrameNo()
	if fromFrameNo > last {
		return nil, nil
	}
	out := make([]frame.Frame, 0, last-fromFrameNo+1)
	for fn := fromFrameNo; fn <= last; fn++ {
		f, err := cur.ReadFrameByNo(fn)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
