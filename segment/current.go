package segment

import (
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/walfile"
)

// pageEntry locates the most recent frame imaging a page within a segment.
type pageEntry struct {
	Offset  int64
	FrameNo uint64
}

// pageVersions is a page's append history within one still-open Current
// segment, oldest first. A sealed segment never gains new versions so it
// only needs pageEntry's latest offset; Current must keep the whole chain
// because a reader's snapshot can be older than the segment's newest
// commit for the same page.
type pageVersions []pageEntry

// upto returns the latest entry with FrameNo <= maxFrameNo, if any.
func (vs pageVersions) upto(maxFrameNo uint64) (pageEntry, bool) {
	lo, hi := 0, len(vs)
	for lo < hi {
		mid := (lo + hi) / 2
		if vs[mid].FrameNo <= maxFrameNo {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == 0 {
		return pageEntry{}, false
	}
	return vs[lo-1], true
}

// Current is the mutable, append-only segment that transactions write
// into. Reads of its in-memory index may run concurrently with a single
// writer appending new frames (spec §3 "Current segment").
type Current struct {
	mu sync.RWMutex

	f      walfile.File
	header Header

	// index maps page_no -> location of that page's most recent frame
	// within this segment. Persistent so readers can take a snapshot
	// without racing the writer's next Append.
	index *immutable.SortedMap[uint64, pageEntry]

	// versions maps page_no -> its full append history in this segment,
	// used to satisfy reads pinned to a snapshot older than the segment's
	// latest commit for that page (spec §4 "Transaction model").
	versions *immutable.SortedMap[uint64, pageVersions]

	firstFrameNo uint64
	lastFrameNo  uint64
	nextOffset   int64
	frameCount   int
}

// Create opens a brand-new Current segment on fs at path, writing its
// header immediately so a crash right after creation still leaves a
// recognizable (if empty) segment.
func Create(fs walfile.FS, path string, pageSize uint32, startFrameNo uint64, now time.Time) (*Current, error) {
	f, err := fs.Open(path, true, true, true)
	if err != nil {
		return nil, err
	}
	h := Header{
		PageSize:      pageSize,
		StartFrameNo:  startFrameNo,
		CreatedAtUnix: now.Unix(),
	}
	buf := make([]byte, HeaderLen)
	Encode(buf, h)
	if err := f.WriteAllAt(buf, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &Current{
		f:           f,
		header:      h,
		index:        immutable.NewSortedMap[uint64, pageEntry](nil),
		versions:     immutable.NewSortedMap[uint64, pageVersions](nil),
		firstFrameNo: startFrameNo,
		lastFrameNo:  startFrameNo - 1,
		nextOffset:   HeaderLen,
	}, nil
}

// Recover reopens an existing, unsealed segment file and replays its
// frames to rebuild the in-memory index, stopping at the first incomplete
// or corrupt frame it finds rather than failing the whole open — a
// partial last frame is exactly what a crash mid-Append leaves behind
// (spec §9 "Crash recovery").
func Recover(fs walfile.FS, path string) (*Current, error) {
	f, err := fs.Open(path, false, true, true)
	if err != nil {
		return nil, err
	}
	size, err := f.Size()
	if err != nil {
		f.Close()
		return nil, err
	}
	hb := make([]byte, HeaderLen)
	if err := f.ReadExactAt(hb, 0); err != nil {
		f.Close()
		return nil, err
	}
	h, err := Decode(hb)
	if err != nil {
		f.Close()
		return nil, err
	}

	c := &Current{
		f:            f,
		header:       h,
		index:        immutable.NewSortedMap[uint64, pageEntry](nil),
		versions:     immutable.NewSortedMap[uint64, pageVersions](nil),
		firstFrameNo: h.StartFrameNo,
		lastFrameNo:  h.StartFrameNo - 1,
		nextOffset:   HeaderLen,
	}

	frameLen := frame.Encoded(h.PageSize)
	off := int64(HeaderLen)
	nextFrameNo := h.StartFrameNo
	for off+frameLen <= size {
		hbuf := make([]byte, frame.HeaderLen)
		if err := f.ReadExactAt(hbuf, off); err != nil {
			break
		}
		fh := frame.DecodeHeader(hbuf)
		if fh.FrameNo != nextFrameNo {
			break
		}
		data := make([]byte, h.PageSize)
		if err := f.ReadExactAt(data, off+frame.HeaderLen); err != nil {
			break
		}
		if err := frame.Verify(fh, data); err != nil {
			break
		}

		e := pageEntry{Offset: off, FrameNo: fh.FrameNo}
		c.index = c.index.Set(fh.PageNo, e)
		existing, _ := c.versions.Get(fh.PageNo)
		grown := make(pageVersions, len(existing), len(existing)+1)
		copy(grown, existing)
		grown = append(grown, e)
		c.versions = c.versions.Set(fh.PageNo, grown)

		c.lastFrameNo = fh.FrameNo
		c.frameCount++
		nextFrameNo++
		off += frameLen
	}
	c.nextOffset = off
	if err := f.SetLen(off); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Header returns this segment's fixed header.
func (c *Current) Header() Header { return c.header }

// FrameCount reports how many frames have been appended so far.
func (c *Current) FrameCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frameCount
}

// LastFrameNo returns the frame_no of the most recently appended frame, or
// StartFrameNo-1 if nothing has been appended yet.
func (c *Current) LastFrameNo() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFrameNo
}

// Append writes frames in order, updating the in-memory page index as it
// goes. frameNo for the first element must equal LastFrameNo()+1.
func (c *Current) Append(frames []frame.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(frames) == 0 {
		return nil
	}
	if frames[0].Header.FrameNo != c.lastFrameNo+1 {
		return errs.Corrupt("segment: append frame_no %d out of order, expected %d",
			frames[0].Header.FrameNo, c.lastFrameNo+1)
	}

	bufs := make([][]byte, 0, len(frames)*2)
	offsets := make([]int64, len(frames))
	off := c.nextOffset
	for i, fr := range frames {
		hb := make([]byte, frame.HeaderLen)
		frame.EncodeHeader(hb, fr.Header)
		offsets[i] = off
		bufs = append(bufs, hb, fr.Data)
		off += frame.Encoded(c.header.PageSize)
	}
	if _, err := c.f.WriteAtVectored(bufs, c.nextOffset); err != nil {
		return err
	}

	idx := c.index
	vers := c.versions
	for i, fr := range frames {
		e := pageEntry{Offset: offsets[i], FrameNo: fr.Header.FrameNo}
		idx = idx.Set(fr.Header.PageNo, e)

		existing, _ := vers.Get(fr.Header.PageNo)
		grown := make(pageVersions, len(existing), len(existing)+1)
		copy(grown, existing)
		grown = append(grown, e)
		vers = vers.Set(fr.Header.PageNo, grown)
	}
	c.index = idx
	c.versions = vers
	c.nextOffset = off
	c.lastFrameNo = frames[len(frames)-1].Header.FrameNo
	c.frameCount += len(frames)
	return nil
}

// Sync flushes appended frames to stable storage.
func (c *Current) Sync() error {
	return c.f.SyncAll()
}

// Lookup returns the offset of the most recent frame imaging page within
// this segment, and whether this segment has such a frame at all.
func (c *Current) Lookup(page uint64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.index.Get(page)
	return e.Offset, ok
}

// LookupAsOf returns the offset of the most recent frame imaging page at
// or before maxFrameNo, for a reader pinned to an older snapshot than this
// segment's latest commit.
func (c *Current) LookupAsOf(page uint64, maxFrameNo uint64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vs, ok := c.versions.Get(page)
	if !ok {
		return 0, false
	}
	e, ok := vs.upto(maxFrameNo)
	return e.Offset, ok
}

// FrameNoAsOf returns the frame_no of the most recent frame imaging page
// at or before maxFrameNo, mirroring LookupAsOf but for callers (like
// find_frame) that only need the frame_no, not an offset to read from.
func (c *Current) FrameNoAsOf(page uint64, maxFrameNo uint64) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vs, ok := c.versions.Get(page)
	if !ok {
		return 0, false
	}
	e, ok := vs.upto(maxFrameNo)
	return e.FrameNo, ok
}

// ReadFrame reads the frame at the given byte offset.
func (c *Current) ReadFrame(off int64) (frame.Frame, error) {
	hb := make([]byte, frame.HeaderLen)
	if err := c.f.ReadExactAt(hb, off); err != nil {
		return frame.Frame{}, err
	}
	h := frame.DecodeHeader(hb)
	data := make([]byte, c.header.PageSize)
	if err := c.f.ReadExactAt(data, off+frame.HeaderLen); err != nil {
		return frame.Frame{}, err
	}
	if err := frame.Verify(h, data); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Header: h, Data: data}, nil
}

// ReadFrameByNo reads the frame with the given frame_no, assuming it falls
// within [StartFrameNo, LastFrameNo()].
func (c *Current) ReadFrameByNo(frameNo uint64) (frame.Frame, error) {
	c.mu.RLock()
	start := c.header.StartFrameNo
	pageSize := c.header.PageSize
	c.mu.RUnlock()

	off := int64(HeaderLen) + int64(frameNo-start)*frame.Encoded(pageSize)
	return c.ReadFrame(off)
}

// Seal finalizes this segment: it writes the dense on-disk page index and
// closes the underlying file. The caller reopens the same path read-only
// to obtain a Sealed segment (spec §3 "Sealed segment").
func (c *Current) Seal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := make([]indexEntry, 0, c.index.Len())
	it := c.index.Iterator()
	for !it.Done() {
		page, e, _ := it.Next()
		entries = append(entries, indexEntry{PageNo: page, FrameNo: e.FrameNo, Offset: e.Offset})
	}
	sortEntries(entries)

	indexOffset := c.nextOffset
	buf := encodeIndex(entries, indexOffset)
	if err := c.f.WriteAllAt(buf, indexOffset); err != nil {
		return err
	}
	if err := c.f.SetLen(indexOffset + int64(len(buf))); err != nil {
		return err
	}
	if err := c.f.SyncAll(); err != nil {
		return err
	}
	return c.f.Close()
}

// Close releases the underlying file without sealing.
func (c *Current) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.f.Close()
}
