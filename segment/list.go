package segment

import (
	"github.com/volantdb/wal/dbfile"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/walfile"
)

// Tail is the ordered chain of sealed segments for a namespace, held
// newest-first so that lookups and replication both want to walk it from
// the head (spec §3 "Tail").
type Tail struct {
	segments []*Sealed
}

// NewTail builds a Tail from segments already ordered newest-first.
func NewTail(segments []*Sealed) *Tail {
	return &Tail{segments: segments}
}

// PushFront adds a newly sealed segment as the new head of the tail.
func (t *Tail) PushFront(s *Sealed) {
	t.segments = append([]*Sealed{s}, t.segments...)
}

// Len reports how many sealed segments the tail holds.
func (t *Tail) Len() int { return len(t.segments) }

// At returns the i'th segment, 0 being the newest.
func (t *Tail) At(i int) *Sealed { return t.segments[i] }

// Head returns the most recently sealed segment, or nil if the tail is
// empty.
func (t *Tail) Head() *Sealed {
	if len(t.segments) == 0 {
		return nil
	}
	return t.segments[0]
}

// Lookup walks the tail from newest to oldest looking for page, returning
// the first (most recent) match.
func (t *Tail) Lookup(page uint64) (frame.Frame, bool, error) {
	for _, s := range t.segments {
		fr, ok, err := s.Lookup(page)
		if err != nil {
			return frame.Frame{}, false, err
		}
		if ok {
			return fr, true, nil
		}
	}
	return frame.Frame{}, false, nil
}

// TrimBefore folds and drops every sealed segment, oldest first, whose
// LastFrameNo is <= durableFrameNo, stopping at the first segment that
// isn't (spec §4.4 Tail checkpoint: "apply oldest-first until reaching a
// segment whose frames have not all been durably reported, or until the
// tail is empty"). Each qualifying segment is checkpointed into db before
// being closed and unlinked, so a segment is only ever removed once every
// page it holds is durable in the database file (spec §7 "Checkpoint
// atomicity"). It returns the number of segments dropped.
func (t *Tail) TrimBefore(durableFrameNo uint64, db *dbfile.File, fs walfile.FS) (int, error) {
	dropped := 0
	for len(t.segments) > 0 {
		oldest := t.segments[len(t.segments)-1]
		if oldest.LastFrameNo() > durableFrameNo {
			break
		}
		if err := oldest.CheckpointInto(db); err != nil {
			return dropped, err
		}
		if err := oldest.Close(); err != nil {
			return dropped, err
		}
		if err := fs.Remove(oldest.Path()); err != nil {
			return dropped, err
		}
		t.segments = t.segments[:len(t.segments)-1]
		dropped++
	}
	return dropped, nil
}

// SegmentsSince returns the chain of segments, oldest-first, that contain
// frames at or after fromFrameNo. Used by the replicator to stream the
// tail in commit order.
func (t *Tail) SegmentsSince(fromFrameNo uint64) []*Sealed {
	out := make([]*Sealed, 0, len(t.segments))
	for i := len(t.segments) - 1; i >= 0; i-- {
		s := t.segments[i]
		if s.LastFrameNo() >= fromFrameNo {
			out = append(out, s)
		}
	}
	return out
}

// Close closes every segment in the tail.
func (t *Tail) Close() error {
	var first error
	for _, s := range t.segments {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.segments = nil
	return first
}
