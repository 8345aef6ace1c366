package segment

import (
	"encoding/binary"
	"sort"

	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/walfile"
)

// indexEntryLen is the encoded size of one (page_no, frame_no, offset)
// triple in a sealed segment's on-disk index.
const indexEntryLen = 24

// trailerLen is the encoded size of the fixed trailer at the very end of a
// sealed segment file, which locates the index block that precedes it.
const trailerLen = 16

const trailerMagic = uint32(0x57494458) // "WIDX"

// indexEntry is one row of a sealed segment's dense page index: the offset
// of the most recent frame imaging PageNo within this segment.
type indexEntry struct {
	PageNo  uint64
	FrameNo uint64
	Offset  int64
}

// encodeIndex serializes entries, already sorted by PageNo ascending, plus
// the trailer that lets a reader find them from the end of the file.
func encodeIndex(entries []indexEntry, indexOffset int64) []byte {
	buf := make([]byte, len(entries)*indexEntryLen+trailerLen)
	for i, e := range entries {
		off := i * indexEntryLen
		binary.LittleEndian.PutUint64(buf[off:off+8], e.PageNo)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.FrameNo)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(e.Offset))
	}
	t := buf[len(entries)*indexEntryLen:]
	binary.LittleEndian.PutUint32(t[0:4], uint32(len(entries)))
	binary.LittleEndian.PutUint64(t[4:12], uint64(indexOffset))
	binary.LittleEndian.PutUint32(t[12:16], trailerMagic)
	return buf
}

// readTrailer reads the trailer at the end of a file of size fileSize and
// returns the entry count and the offset where the index block begins.
func readTrailer(f walfile.File, fileSize int64) (count int, indexOffset int64, err error) {
	if fileSize < trailerLen {
		return 0, 0, errs.Corrupt("segment: file too small for trailer")
	}
	buf := make([]byte, trailerLen)
	if err := f.ReadExactAt(buf, fileSize-trailerLen); err != nil {
		return 0, 0, err
	}
	if binary.LittleEndian.Uint32(buf[12:16]) != trailerMagic {
		return 0, 0, errs.Corrupt("segment: bad index trailer magic")
	}
	count = int(binary.LittleEndian.Uint32(buf[0:4]))
	indexOffset = int64(binary.LittleEndian.Uint64(buf[4:12]))
	return count, indexOffset, nil
}

// findPage binary-searches the on-disk index for the entry whose PageNo
// equals page, returning errs.ErrNotFound if the index has no entry for it.
func findPage(f walfile.File, indexOffset int64, count int, page uint64) (indexEntry, error) {
	lo, hi := 0, count
	var found indexEntry
	ok := false
	buf := make([]byte, indexEntryLen)
	// Binary search for an exact match; the index holds exactly one entry
	// per distinct page number, so no range scan is needed.
	for lo < hi {
		mid := (lo + hi) / 2
		if err := f.ReadExactAt(buf, indexOffset+int64(mid)*indexEntryLen); err != nil {
			return indexEntry{}, err
		}
		e := indexEntry{
			PageNo:  binary.LittleEndian.Uint64(buf[0:8]),
			FrameNo: binary.LittleEndian.Uint64(buf[8:16]),
			Offset:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		}
		switch {
		case e.PageNo == page:
			found, ok = e, true
			lo = hi
		case e.PageNo < page:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	if !ok {
		return indexEntry{}, errs.ErrNotFound
	}
	return found, nil
}

// sortEntries sorts entries by PageNo ascending, required before encoding.
func sortEntries(entries []indexEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].PageNo < entries[j].PageNo })
}
