// Package frame defines the on-disk representation of a single WAL frame:
// a page image plus the metadata needed to place it in the committed frame
// sequence (spec §3 "Frame").
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/volantdb/wal/errs"
)

// HeaderLen is the size, in bytes, of an encoded Header. Layout is four
// little-endian uint64s: frame_no, page_no, size_after, checksum.
const HeaderLen = 32

// MaxPageSize is an upper bound for a single page payload. Segment
// headers carry their own page_size; no code in this module checks a
// page size against MaxPageSize before allocating a read buffer.
const MaxPageSize = 1 << 20 // 1 MiB

// Header is the fixed-size metadata that precedes every frame's payload.
type Header struct {
	// FrameNo is monotonic within a namespace and >= 1.
	FrameNo uint64
	// PageNo is the database page this frame images, >= 1.
	PageNo uint64
	// SizeAfter is non-zero only on the last frame of a committed
	// transaction, and gives the resulting database size in pages.
	SizeAfter uint64
	// Checksum is xxhash.Sum64 of the payload, verified on read.
	Checksum uint64
}

// IsCommit reports whether this frame is the last frame of a committed
// transaction.
func (h Header) IsCommit() bool { return h.SizeAfter != 0 }

// Frame is a header plus its page payload. Data is exactly page_size bytes.
type Frame struct {
	Header Header
	Data   []byte
}

// EncodeHeader writes h into buf, which must be at least HeaderLen bytes.
func EncodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.FrameNo)
	binary.LittleEndian.PutUint64(buf[8:16], h.PageNo)
	binary.LittleEndian.PutUint64(buf[16:24], h.SizeAfter)
	binary.LittleEndian.PutUint64(buf[24:32], h.Checksum)
}

// DecodeHeader reads a Header from buf, which must be at least HeaderLen
// bytes.
func DecodeHeader(buf []byte) Header {
	return Header{
		FrameNo:   binary.LittleEndian.Uint64(buf[0:8]),
		PageNo:    binary.LittleEndian.Uint64(buf[8:16]),
		SizeAfter: binary.LittleEndian.Uint64(buf[16:24]),
		Checksum:  binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// Checksum computes the checksum that belongs in a Header for the given
// page payload.
func Checksum(payload []byte) uint64 {
	return xxhash.Sum64(payload)
}

// Verify reports an error if h's checksum does not match payload. The
// returned error satisfies errs.IsCorrupt.
func Verify(h Header, payload []byte) error {
	if got := Checksum(payload); got != h.Checksum {
		return errs.Corrupt("frame %d: checksum mismatch: have %x want %x", h.FrameNo, got, h.Checksum)
	}
	return nil
}

// Encoded returns the byte length of a frame (header + payload) for the
// given page size.
func Encoded(pageSize uint32) int64 {
	return int64(HeaderLen) + int64(pageSize)
}

// New builds a Frame with a correct checksum for data.
func New(frameNo, pageNo uint64, sizeAfter uint64, data []byte) Frame {
	return Frame{
		Header: Header{
			FrameNo:   frameNo,
			PageNo:    pageNo,
			SizeAfter: sizeAfter,
			Checksum:  Checksum(data),
		},
		Data: data,
	}
}

func (h Header) String() string {
	return fmt.Sprintf("frame{no=%d page=%d size_after=%d}", h.FrameNo, h.PageNo, h.SizeAfter)
}
