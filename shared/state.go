// Package shared implements the per-namespace WAL object: one Current
// segment, its Tail of sealed segments, and the commit/checkpoint
// bookkeeping every read and write transaction against the namespace goes
// through (spec §3 "Shared WAL").
package shared

import (
	"github.com/volantdb/wal/segment"
)

// state is an immutable snapshot of a namespace's WAL. Readers load it
// with no locking; writers install a new state after each commit or
// segment rotation (mirrors the teacher's atomic.Value state-swap idiom).
type state struct {
	current *segment.Current
	tail    *segment.Tail

	// committedFrameNo is the frame_no of the last frame made durable to
	// the Current segment's own file (fsynced, visible to new readers).
	committedFrameNo uint64

	// durableFrameNo is the frame_no up to which the storage backend last
	// reported durability, as published by SetDurableFrameNo (spec §6).
	durableFrameNo uint64
}

func (s *state) clone() state {
	return state{
		current:          s.current,
		tail:             s.tail,
		committedFrameNo: s.committedFrameNo,
		durableFrameNo:   s.durableFrameNo,
	}
}
