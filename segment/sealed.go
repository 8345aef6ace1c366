package segment

import (
	"encoding/binary"

	"github.com/volantdb/wal/dbfile"
	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/walfile"
)

// Sealed is an immutable, on-disk segment. Its page index is consulted by
// binary search directly against the file rather than loaded into memory,
// since a namespace's tail may hold many sealed segments at once (spec §3
// "Sealed segment").
type Sealed struct {
	f      walfile.File
	path   string
	header Header

	firstFrameNo uint64
	lastFrameNo  uint64

	indexOffset int64
	indexCount  int
}

// Open parses an already-sealed segment file's header and trailer. path is
// the segment's on-disk location, kept so a later checkpoint can unlink it.
func Open(f walfile.File, path string) (*Sealed, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	hb := make([]byte, HeaderLen)
	if err := f.ReadExactAt(hb, 0); err != nil {
		return nil, err
	}
	h, err := Decode(hb)
	if err != nil {
		return nil, err
	}
	count, indexOffset, err := readTrailer(f, size)
	if err != nil {
		return nil, err
	}
	s := &Sealed{
		f:            f,
		path:         path,
		header:       h,
		firstFrameNo: h.StartFrameNo,
		indexOffset:  indexOffset,
		indexCount:   count,
	}
	// lastFrameNo isn't recoverable from the index alone (it holds only
	// each page's most recent frame, not necessarily the segment's last
	// frame_no); the shared WAL records it via SetLastFrameNo when it seals
	// or reopens the segment.
	return s, nil
}

// Header returns this segment's fixed header.
func (s *Sealed) Header() Header { return s.header }

// Path returns this segment's on-disk path.
func (s *Sealed) Path() string { return s.path }

// FirstFrameNo returns the frame_no of this segment's first frame.
func (s *Sealed) FirstFrameNo() uint64 { return s.firstFrameNo }

// SetLastFrameNo records the last frame_no this segment covers, known to
// the caller (the shared WAL) at seal or reopen time.
func (s *Sealed) SetLastFrameNo(n uint64) { s.lastFrameNo = n }

// LastFrameNo returns the frame_no of this segment's last frame.
func (s *Sealed) LastFrameNo() uint64 { return s.lastFrameNo }

// Lookup finds the most recent frame imaging page within this segment.
func (s *Sealed) Lookup(page uint64) (frame.Frame, bool, error) {
	if s.indexCount == 0 {
		return frame.Frame{}, false, nil
	}
	e, err := findPage(s.f, s.indexOffset, s.indexCount, page)
	if err == errs.ErrNotFound {
		return frame.Frame{}, false, nil
	}
	if err != nil {
		return frame.Frame{}, false, err
	}
	fr, err := s.readFrameAt(e.Offset)
	if err != nil {
		return frame.Frame{}, false, err
	}
	return fr, true, nil
}

func (s *Sealed) readFrameAt(off int64) (frame.Frame, error) {
	hb := make([]byte, frame.HeaderLen)
	if err := s.f.ReadExactAt(hb, off); err != nil {
		return frame.Frame{}, err
	}
	h := frame.DecodeHeader(hb)
	data := make([]byte, s.header.PageSize)
	if err := s.f.ReadExactAt(data, off+frame.HeaderLen); err != nil {
		return frame.Frame{}, err
	}
	if err := frame.Verify(h, data); err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{Header: h, Data: data}, nil
}

// ReadFrame reads the n'th frame (0-indexed from this segment's first
// frame) for streaming replication.
func (s *Sealed) ReadFrame(frameIndex int) (frame.Frame, error) {
	off := int64(HeaderLen) + int64(frameIndex)*frame.Encoded(s.header.PageSize)
	if off >= s.indexOffset {
		return frame.Frame{}, errs.ErrNotFound
	}
	return s.readFrameAt(off)
}

// ReadFrameByNo reads the frame with the given frame_no, assuming it
// falls within [firstFrameNo, lastFrameNo].
func (s *Sealed) ReadFrameByNo(frameNo uint64) (frame.Frame, error) {
	if frameNo < s.firstFrameNo || frameNo > s.lastFrameNo {
		return frame.Frame{}, errs.ErrNotFound
	}
	return s.ReadFrame(int(frameNo - s.firstFrameNo))
}

// FrameCount reports how many frames this segment holds.
func (s *Sealed) FrameCount() int {
	return int((s.indexOffset - HeaderLen) / frame.Encoded(s.header.PageSize))
}

// RecoverLastFrameNo derives this segment's last frame_no from its frame
// count alone, without needing a caller to have recorded it at seal time.
// Used when a segment is discovered already sealed on disk with nothing
// rotated in after it (spec §4.7 try_open, the crash window between
// sealing Current and creating the next segment).
func (s *Sealed) RecoverLastFrameNo() uint64 {
	return s.firstFrameNo + uint64(s.FrameCount()) - 1
}

// CheckpointInto folds every page this segment holds into db, writing each
// page at its page-aligned offset and fsyncing once after the whole
// segment has been applied (spec §4.3 checkpoint_into: "for each page in
// the index ... write the payload into db_file ... then fsync db_file").
// The segment's on-disk index is already sorted ascending by page_no, so
// this walks it in storage order rather than needing a separate sort.
func (s *Sealed) CheckpointInto(db *dbfile.File) error {
	for i := 0; i < s.indexCount; i++ {
		e, err := readIndexEntry(s.f, s.indexOffset, i)
		if err != nil {
			return err
		}
		fr, err := s.readFrameAt(e.Offset)
		if err != nil {
			return err
		}
		if err := db.ApplyFrame(e.PageNo, fr.Data); err != nil {
			return err
		}
	}
	return db.Sync(s.lastFrameNo)
}

// Close releases the underlying file.
func (s *Sealed) Close() error { return s.f.Close() }

func readIndexEntry(f walfile.File, indexOffset int64, n int) (indexEntry, error) {
	buf := make([]byte, indexEntryLen)
	if err := f.ReadExactAt(buf, indexOffset+int64(n)*indexEntryLen); err != nil {
		return indexEntry{}, err
	}
	return indexEntry{
		PageNo:  binary.LittleEndian.Uint64(buf[0:8]),
		FrameNo: binary.LittleEndian.Uint64(buf[8:16]),
		Offset:  int64(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}
