// Package segment implements the on-disk segment format: a mutable,
// append-only Current segment that accumulates frames as transactions
// commit, and an immutable Sealed segment with a dense on-disk page index
// once Current is rotated out (spec §3 "Segment", §4.2-§4.4).
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/volantdb/wal/errs"
)

// Magic identifies a segment file so a misdirected open fails fast instead
// of silently misparsing an unrelated file.
const Magic = uint32(0x57414c31) // "WAL1"

// HeaderLen is the encoded size of Header.
const HeaderLen = 32

// Header is the fixed-size record at the start of every segment file.
type Header struct {
	// PageSize is the database page size in bytes, fixed for the life of
	// the namespace.
	PageSize uint32
	// StartFrameNo is the frame_no of the first frame this segment may
	// contain; frame numbers are contiguous across the whole segment chain.
	StartFrameNo uint64
	// CreatedAtUnix is when this segment was created, in Unix seconds. Used
	// only for age-based rotation and diagnostics, never for ordering.
	CreatedAtUnix int64
}

// Encode writes h into buf, which must be at least HeaderLen bytes.
func Encode(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.PageSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.StartFrameNo)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.CreatedAtUnix))
	// bytes [24:32) reserved, left zero.
}

// Decode reads a Header from buf, which must be at least HeaderLen bytes.
// It returns an error satisfying errs.IsCorrupt if the magic doesn't match.
func Decode(buf []byte) (Header, error) {
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != Magic {
		return Header{}, errs.Corrupt("segment header: bad magic %x", magic)
	}
	return Header{
		PageSize:      binary.LittleEndian.Uint32(buf[4:8]),
		StartFrameNo:  binary.LittleEndian.Uint64(buf[8:16]),
		CreatedAtUnix: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

func (h Header) String() string {
	return fmt.Sprintf("segment{start=%d page_size=%d}", h.StartFrameNo, h.PageSize)
}
