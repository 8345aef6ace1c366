// Package dbfile implements the namespace's database file: the
// checkpoint target that a sealed segment's frames are folded into before
// the segment is dropped from the tail, and the read path's last-resort
// lookup for a page no longer held by Current or the Tail (spec §3
// "Database file", §4.3 checkpoint_into, §4.6 read path step 3).
package dbfile

import (
	"encoding/binary"
	"path/filepath"
	"sync"

	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/walfile"
)

const (
	dataName   = "db"
	headerName = "db.hdr"

	magic     = uint32(0x57414c44) // "WALD"
	headerLen = 24
)

// Header is the bookkeeping try_open needs to resume checkpointing across
// restarts. It lives in a sidecar file next to the page data so a page's
// byte offset is always exactly (page_no-1)*page_size, with nothing
// reserved up front in the data file itself (spec §3: "the engine reads
// its initial {db_size_in_pages, replication_index} from the header and
// preserves the rest").
type Header struct {
	// DBSizeInPages is the database size, in pages, as of ReplicationIndex.
	DBSizeInPages uint64
	// ReplicationIndex is the highest frame_no already folded into the
	// data file.
	ReplicationIndex uint64
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint64(buf[8:16], h.DBSizeInPages)
	binary.LittleEndian.PutUint64(buf[16:24], h.ReplicationIndex)
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	if binary.LittleEndian.Uint32(buf[0:4]) != magic {
		return Header{}, errs.Corrupt("dbfile: bad header magic")
	}
	return Header{
		DBSizeInPages:    binary.LittleEndian.Uint64(buf[8:16]),
		ReplicationIndex: binary.LittleEndian.Uint64(buf[16:24]),
	}, nil
}

// File is a namespace's on-disk database file.
type File struct {
	fs       walfile.FS
	dir      string
	pageSize uint32
	lazyGrow bool

	mu     sync.Mutex
	data   walfile.File
	header Header
}

// Open opens or creates the database file rooted at dir, reading its
// header (if any) so checkpointing resumes where it left off (spec §4.7
// try_open step 3). lazyGrow controls ReadPage's behavior for pages past
// the data file's current end.
func Open(fs walfile.FS, dir string, pageSize uint32, lazyGrow bool) (*File, error) {
	data, err := fs.Open(filepath.Join(dir, dataName), true, true, true)
	if err != nil {
		return nil, err
	}
	h, err := readHeader(fs, dir)
	if err != nil {
		data.Close()
		return nil, err
	}
	return &File{fs: fs, dir: dir, pageSize: pageSize, lazyGrow: lazyGrow, data: data, header: h}, nil
}

func readHeader(fs walfile.FS, dir string) (Header, error) {
	hf, err := fs.Open(filepath.Join(dir, headerName), true, true, true)
	if err != nil {
		return Header{}, err
	}
	defer hf.Close()

	size, err := hf.Size()
	if err != nil {
		return Header{}, err
	}
	if size < headerLen {
		return Header{}, nil // freshly created sidecar: defaults to the zero header
	}
	buf := make([]byte, headerLen)
	if err := hf.ReadExactAt(buf, 0); err != nil {
		return Header{}, err
	}
	return decodeHeader(buf)
}

func (f *File) writeHeader() error {
	hf, err := f.fs.Open(filepath.Join(f.dir, headerName), true, true, true)
	if err != nil {
		return err
	}
	defer hf.Close()
	if err := hf.WriteAllAt(encodeHeader(f.header), 0); err != nil {
		return err
	}
	return hf.SyncAll()
}

// ReplicationIndex returns the highest frame_no already folded into the
// data file, the value try_open uses to compute next_frame_no.
func (f *File) ReplicationIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header.ReplicationIndex
}

// DBSizeInPages returns the database size, in pages, as of the last Sync.
func (f *File) DBSizeInPages() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header.DBSizeInPages
}

// ApplyFrame writes a page image at its page-aligned offset. Callers must
// call Sync once after applying every page of a checkpoint batch; ApplyFrame
// itself does not fsync (spec §4.3 checkpoint_into: one fsync per segment,
// not per page).
func (f *File) ApplyFrame(pageNo uint64, data []byte) error {
	off := int64(pageNo-1) * int64(f.pageSize)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.data.WriteAllAt(data, off); err != nil {
		return err
	}
	if pageNo > f.header.DBSizeInPages {
		f.header.DBSizeInPages = pageNo
	}
	return nil
}

// Sync fsyncs the data file and durably records replicationIndex as the
// highest frame_no now reflected in it, so a crash right after Sync
// resumes checkpointing from exactly this point (spec §4.3, §7 "Checkpoint
// atomicity": a sealed segment is only unlinked after this fsync returns).
func (f *File) Sync(replicationIndex uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.data.SyncAll(); err != nil {
		return err
	}
	if replicationIndex > f.header.ReplicationIndex {
		f.header.ReplicationIndex = replicationIndex
	}
	return f.writeHeader()
}

// ReadPage reads page pageNo into a fresh, page_size buffer. ok is false
// if pageNo falls past the data file's current end, unless lazyGrow is
// set, in which case a zero-filled page is returned instead (spec §4.6
// read path step 3).
func (f *File) ReadPage(pageNo uint64) (data []byte, ok bool, err error) {
	off := int64(pageNo-1) * int64(f.pageSize)
	buf := make([]byte, f.pageSize)

	f.mu.Lock()
	size, err := f.data.Size()
	f.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	if off+int64(f.pageSize) > size {
		if f.lazyGrow {
			return buf, true, nil
		}
		return nil, false, nil
	}

	f.mu.Lock()
	err = f.data.ReadExactAt(buf, off)
	f.mu.Unlock()
	if err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// Close releases the underlying file handle.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.Close()
}
