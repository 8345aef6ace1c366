package shared

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/volantdb/wal/catalog"
	"github.com/volantdb/wal/dbfile"
	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/segment"
	"github.com/volantdb/wal/txn"
	"github.com/volantdb/wal/walfile"
)

// SegExt is the on-disk segment file extension.
const SegExt = ".seg"

// DefaultSegmentMaxPages caps a Current segment's frame count before it is
// rotated out, per SPEC_FULL.md's "automatic segment swap trigger" open
// question decision.
const DefaultSegmentMaxPages = 16384

// Catalog is the accelerator Open consults before falling back to a full
// directory walk. *catalog.Catalog satisfies this directly; it's named as
// an interface here so tests can substitute a fake without a real bolt
// database file.
type Catalog interface {
	Load(namespace string) ([]catalog.Entry, error)
	Save(namespace string, entries []catalog.Entry) error
}

// SwapHandler is invoked once per sealed segment: synchronously from the
// swap path at runtime rotation, and once per already-sealed segment
// discovered while opening a namespace, so durable storage can reconcile
// against exactly the same set of segments either way (spec §4.7
// "segment-swap handler", SPEC_FULL.md §12). Implementations must not
// block; they should enqueue into their own asynchronous runtime.
type SwapHandler func(sealed *segment.Sealed)

// WAL is the shared, per-namespace write-ahead log object that every read
// and write transaction against a namespace is driven through. It mirrors
// the teacher's atomic-state-plus-writer-lock idiom: readers load an
// immutable *state snapshot without taking any lock, while writers hold
// writeMu for the full duration of a commit (spec §3 "Shared WAL").
type WAL struct {
	closed uint32

	dir      string
	fs       walfile.FS
	pageSize uint32
	logger   log.Logger
	metrics  Metrics

	s atomic.Value // *state

	// writeMu serializes the single writer slot. BeginWrite uses TryLock
	// so a contending writer gets errs.ErrBusy back immediately instead of
	// blocking, matching the spec's single-writer-slot invariant.
	writeMu sync.Mutex

	segmentMaxPages int
	segmentMaxAge   time.Duration

	catalog   Catalog
	namespace string

	// dbFile is the namespace's checkpoint target and read-path fallback
	// (spec §3 "Database file"). Opened once at Open and never replaced;
	// its own internal mutex serializes the single checkpoint writer
	// against concurrent reads (spec §5 "Database file: single writer").
	dbFile   *dbfile.File
	lazyGrow bool

	swapHandler SwapHandler

	triggerRotate chan struct{}
	awaitRotate   chan struct{}
	rotateMu      sync.Mutex

	// commitSignal is closed and replaced on every commit and rotation,
	// so a Replicator can block on it instead of polling for new frames
	// (spec §7 "Replicator", grounded on replicator.rs's watch channel).
	commitSignal atomic.Value // chan struct{}
}

// Option configures a WAL at Open time.
type Option func(*WAL)

// WithLogger sets the logger used for namespace lifecycle events.
func WithLogger(l log.Logger) Option { return func(w *WAL) { w.logger = l } }

// WithMetrics sets the Metrics sink. Defaults to a no-op.
func WithMetrics(m Metrics) Option { return func(w *WAL) { w.metrics = m } }

// WithSegmentMaxPages overrides DefaultSegmentMaxPages.
func WithSegmentMaxPages(n int) Option { return func(w *WAL) { w.segmentMaxPages = n } }

// WithSegmentMaxAge enables age-based rotation in addition to size-based
// rotation; zero (the default) disables it.
func WithSegmentMaxAge(d time.Duration) Option { return func(w *WAL) { w.segmentMaxAge = d } }

// WithCatalog wires in an accelerator for namespace open: instead of
// always walking dir with ReadDir, Open consults the catalog's cached
// segment list first and validates each entry with one Size call per
// segment, falling back to the full directory walk on any mismatch
// (SPEC_FULL.md §11).
func WithCatalog(c Catalog, namespace string) Option {
	return func(w *WAL) { w.catalog = c; w.namespace = namespace }
}

// WithGrowDBFileLazily configures the database file's read fallback to
// zero-fill pages past its current end instead of reporting them missing
// (spec §4.6 read path step 3: "returns zeros for pages past EOF only if
// the engine is configured to grow the file lazily"). Off by default.
func WithGrowDBFileLazily(lazy bool) Option { return func(w *WAL) { w.lazyGrow = lazy } }

// WithSwapHandler registers fn to run on every segment swap: at runtime
// rotation, and for each sealed segment already on disk when the
// namespace is opened.
func WithSwapHandler(fn SwapHandler) Option { return func(w *WAL) { w.swapHandler = fn } }

// Open opens or creates the namespace WAL rooted at dir, creating dir if
// it does not exist.
func Open(dir string, fs walfile.FS, pageSize uint32, opts ...Option) (*WAL, error) {
	w := &WAL{
		dir:             dir,
		fs:              fs,
		pageSize:        pageSize,
		logger:          log.NewNopLogger(),
		metrics:         noopMetrics{},
		segmentMaxPages: DefaultSegmentMaxPages,
		triggerRotate:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	if err := fs.CreateDirAll(dir); err != nil {
		return nil, err
	}

	dbf, err := dbfile.Open(fs, dir, pageSize, w.lazyGrow)
	if err != nil {
		return nil, err
	}
	w.dbFile = dbf

	segFiles, err := w.listSegmentFiles(dir, fs)
	if err != nil {
		return nil, err
	}

	starts := make([]uint64, len(segFiles))
	for i, name := range segFiles {
		sf, err := parseStartFrameNo(name)
		if err != nil {
			return nil, errs.Corrupt("namespace %s: %s", dir, err)
		}
		starts[i] = sf
	}

	var sealed []*segment.Sealed
	var cur *segment.Current
	for i, name := range segFiles {
		path := filepath.Join(dir, name)
		isLast := i == len(segFiles)-1

		f, err := fs.Open(path, false, true, true)
		if err != nil {
			return nil, err
		}
		s, sealErr := segment.Open(f, path)
		if sealErr == nil {
			if isLast {
				// Sealed but nothing rotated in after it (e.g. a crash
				// between sealing and creating the next segment): resume
				// by opening a fresh Current right after it. Its
				// last_frame_no isn't known from a following segment's
				// start, so it's recovered from this segment's own frame
				// count instead.
				s.SetLastFrameNo(s.RecoverLastFrameNo())
				sealed = append(sealed, s)
				if w.swapHandler != nil {
					w.swapHandler(s)
				}
				break
			}
			s.SetLastFrameNo(starts[i+1] - 1)
			sealed = append(sealed, s)
			if w.swapHandler != nil {
				w.swapHandler(s)
			}
			continue
		}
		f.Close()
		if !isLast {
			return nil, errs.Corrupt("namespace %s: segment %s is unsealed but not the newest segment", dir, name)
		}
		cur, err = segment.Recover(fs, path)
		if err != nil {
			return nil, err
		}
	}

	// newest-first
	for i, j := 0, len(sealed)-1; i < j; i, j = i+1, j-1 {
		sealed[i], sealed[j] = sealed[j], sealed[i]
	}

	if cur == nil {
		startFrameNo := uint64(1)
		if len(sealed) > 0 {
			startFrameNo = sealed[0].LastFrameNo() + 1
		}
		// next_frame_no must never precede what's already checkpointed
		// into the database file, or a restart would re-create frames the
		// database file already reflects (spec §4.7 try_open step 4).
		if afterReplicated := dbf.ReplicationIndex() + 1; afterReplicated > startFrameNo {
			startFrameNo = afterReplicated
		}
		cur, err = segment.Create(fs, segmentPath(dir, startFrameNo), pageSize, startFrameNo, time.Now())
		if err != nil {
			return nil, err
		}
	}

	w.s.Store(&state{
		current:          cur,
		tail:             segment.NewTail(sealed),
		committedFrameNo: cur.LastFrameNo(),
	})
	w.commitSignal.Store(make(chan struct{}))

	if w.catalog != nil {
		if err := w.saveCatalog(sealed, cur); err != nil {
			level.Warn(w.logger).Log("msg", "catalog save failed", "namespace", w.namespace, "err", err)
		}
	}

	go w.runRotate()
	return w, nil
}

// listSegmentFiles returns dir's .seg filenames in ascending start-frame
// order. If a catalog is wired in, it first tries the cached entry list
// and validates each file's size with one Size call per segment; any
// miss (uncataloged namespace, a cataloged file that can't be opened, or a
// size that no longer matches) falls back to a full ReadDir walk. Segment
// files present on disk but absent from the catalog are not detected.
func (w *WAL) listSegmentFiles(dir string, fs walfile.FS) ([]string, error) {
	if w.catalog != nil {
		if names, ok := w.tryCatalog(dir, fs); ok {
			return names, nil
		}
	}

	names, err := fs.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var segFiles []string
	for _, n := range names {
		if filepath.Ext(n) == SegExt {
			segFiles = append(segFiles, n)
		}
	}
	sort.Strings(segFiles)
	return segFiles, nil
}

func (w *WAL) tryCatalog(dir string, fs walfile.FS) ([]string, bool) {
	entries, err := w.catalog.Load(w.namespace)
	if err != nil || len(entries) == 0 {
		return nil, false
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		f, err := fs.Open(filepath.Join(dir, e.Path), false, true, false)
		if err != nil {
			return nil, false
		}
		size, err := f.Size()
		f.Close()
		if err != nil || size != e.Size {
			return nil, false
		}
		names[i] = e.Path
	}
	sort.Strings(names)
	return names, true
}

// saveCatalog refreshes the namespace's cached segment list after Open
// resolves the chain, so the next restart can skip the directory walk.
func (w *WAL) saveCatalog(sealed []*segment.Sealed, cur *segment.Current) error {
	entries := make([]catalog.Entry, 0, len(sealed)+1)
	// oldest-first for a stable, deterministic catalog encoding
	for i := len(sealed) - 1; i >= 0; i-- {
		s := sealed[i]
		size, err := statSize(w.fs, segmentPath(w.dir, s.Header().StartFrameNo))
		if err != nil {
			return err
		}
		entries = append(entries, catalog.Entry{
			Path:         filepath.Base(segmentPath(w.dir, s.Header().StartFrameNo)),
			StartFrameNo: s.Header().StartFrameNo,
			LastFrameNo:  s.LastFrameNo(),
			Sealed:       true,
			Size:         size,
		})
	}
	curPath := segmentPath(w.dir, cur.Header().StartFrameNo)
	size, err := statSize(w.fs, curPath)
	if err != nil {
		return err
	}
	entries = append(entries, catalog.Entry{
		Path:         filepath.Base(curPath),
		StartFrameNo: cur.Header().StartFrameNo,
		LastFrameNo:  cur.LastFrameNo(),
		Sealed:       false,
		Size:         size,
	})
	return w.catalog.Save(w.namespace, entries)
}

func statSize(fs walfile.FS, path string) (int64, error) {
	f, err := fs.Open(path, false, true, false)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Size()
}

// CommitSignal returns a channel that closes the next time a commit or
// rotation happens. Callers must fetch a fresh channel after each close.
func (w *WAL) CommitSignal() <-chan struct{} {
	return w.commitSignal.Load().(chan struct{})
}

func (w *WAL) wakeWaiters() {
	ch := make(chan struct{})
	old := w.commitSignal.Swap(ch).(chan struct{})
	close(old)
}

func segmentPath(dir string, startFrameNo uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%016x%s", startFrameNo, SegExt))
}

// parseStartFrameNo extracts the frame_no encoded in a segment's filename.
func parseStartFrameNo(name string) (uint64, error) {
	base := strings.TrimSuffix(name, SegExt)
	n, err := strconv.ParseUint(base, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed segment filename %q: %w", name, err)
	}
	return n, nil
}

func (w *WAL) loadState() *state { return w.s.Load().(*state) }

// Closed reports whether Close has been called.
func (w *WAL) Closed() bool { return atomic.LoadUint32(&w.closed) == 1 }

func (w *WAL) checkClosed() error {
	if atomic.LoadUint32(&w.closed) == 1 {
		return errs.ErrClosed
	}
	return nil
}

// BeginRead opens a read transaction pinned at the namespace's currently
// committed frame_no.
func (w *WAL) BeginRead() (*txn.ReadSnapshot, error) {
	if err := w.checkClosed(); err != nil {
		return nil, err
	}
	s := w.loadState()
	return txn.NewReadSnapshot(s.committedFrameNo, time.Now()), nil
}

// BeginWrite acquires the single writer slot for this namespace, returning
// errs.ErrBusy immediately if another writer already holds it.
func (w *WAL) BeginWrite() (*txn.WriteTxn, error) {
	if err := w.checkClosed(); err != nil {
		return nil, err
	}
	if !w.writeMu.TryLock() {
		w.metrics.ObserveBusy()
		return nil, errs.ErrBusy
	}
	s := w.loadState()
	return txn.NewWriteTxn(s.committedFrameNo, time.Now()), nil
}

// Rollback releases the writer slot without committing any staged pages.
func (w *WAL) Rollback(wt *txn.WriteTxn) {
	wt.MarkRolledBack()
	w.writeMu.Unlock()
}

// Read finds the most recent frame imaging page visible to snap, preferring
// the Current segment, then walking the Tail newest to oldest, and finally
// falling back to the database file for pages old enough to have already
// been checkpointed out of the tail entirely (spec §4.6 read path).
func (w *WAL) Read(snap *txn.ReadSnapshot, page uint64) ([]byte, bool, error) {
	if err := w.checkClosed(); err != nil {
		return nil, false, err
	}
	s := w.loadState()

	if off, ok := s.current.LookupAsOf(page, snap.MaxFrameNo); ok {
		fr, err := s.current.ReadFrame(off)
		if err != nil {
			return nil, false, err
		}
		return fr.Data, true, nil
	}
	fr, ok, err := s.tail.Lookup(page)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return fr.Data, true, nil
	}
	return w.dbFile.ReadPage(page)
}

// FindFrame returns the frame_no of the most recent frame imaging page
// visible to snap, without reading its payload (spec §4.10 find_frame).
func (w *WAL) FindFrame(snap *txn.ReadSnapshot, page uint64) (uint64, bool, error) {
	if err := w.checkClosed(); err != nil {
		return 0, false, err
	}
	s := w.loadState()

	if frameNo, ok := s.current.FrameNoAsOf(page, snap.MaxFrameNo); ok {
		return frameNo, true, nil
	}
	fr, ok, err := s.tail.Lookup(page)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return fr.Header.FrameNo, true, nil
}

// ReadFrame reads one frame's raw page image by frame_no, checking the
// Current segment first and then the Tail (spec §4.10 read_frame).
func (w *WAL) ReadFrame(frameNo uint64) ([]byte, error) {
	if err := w.checkClosed(); err != nil {
		return nil, err
	}
	s := w.loadState()

	if frameNo >= s.current.Header().StartFrameNo && frameNo <= s.current.LastFrameNo() {
		fr, err := s.current.ReadFrameByNo(frameNo)
		if err != nil {
			return nil, err
		}
		return fr.Data, nil
	}
	for i := 0; i < s.tail.Len(); i++ {
		seg := s.tail.At(i)
		if frameNo >= seg.FirstFrameNo() && frameNo <= seg.LastFrameNo() {
			fr, err := seg.ReadFrameByNo(frameNo)
			if err != nil {
				return nil, err
			}
			return fr.Data, nil
		}
	}
	return nil, errs.ErrNotFound
}

// Commit writes wt's staged pages as a new burst of frames onto the
// Current segment, fsyncs them, and atomically publishes the new
// committed frame_no. sizeAfter is the resulting database size in pages,
// stamped on the commit (last) frame only.
func (w *WAL) Commit(wt *txn.WriteTxn, sizeAfter uint64) error {
	defer w.writeMu.Unlock()

	if wt.Empty() {
		wt.MarkCommitted()
		return nil
	}

	s := w.loadState()
	if wt.BaseFrameNo != s.committedFrameNo {
		return errs.Corrupt("namespace %s: writer slot snapshot stale: base=%d committed=%d",
			w.dir, wt.BaseFrameNo, s.committedFrameNo)
	}

	frames := wt.Frames(s.committedFrameNo+1, sizeAfter)
	if err := s.current.Append(frames); err != nil {
		return err
	}
	if err := s.current.Sync(); err != nil {
		return err
	}

	bytesWritten := 0
	for _, fr := range frames {
		bytesWritten += len(fr.Data)
	}
	w.metrics.ObserveCommit(len(frames), bytesWritten)

	newState := s.clone()
	newState.committedFrameNo = frames[len(frames)-1].Header.FrameNo
	w.s.Store(&newState)
	w.metrics.SetCommittedFrameNo(newState.committedFrameNo)
	wt.MarkCommitted()
	w.wakeWaiters()

	if w.shouldRotate(s.current) {
		select {
		case w.triggerRotate <- struct{}{}:
		default:
		}
	}
	return nil
}

// SetDurableFrameNo records the durable watermark reported by the storage
// backend (the root package's Namespace.SyncDurable calls it).
func (w *WAL) SetDurableFrameNo(n uint64) {
	for {
		s := w.loadState()
		if n <= s.durableFrameNo {
			return
		}
		newState := s.clone()
		newState.durableFrameNo = n
		if w.s.CompareAndSwap(s, &newState) {
			w.metrics.SetDurableFrameNo(n)
			return
		}
	}
}

// DurableFrameNo returns the latest frame_no confirmed durable by storage.
func (w *WAL) DurableFrameNo() uint64 {
	return w.loadState().durableFrameNo
}

// CommittedFrameNo returns the namespace's latest committed frame_no.
func (w *WAL) CommittedFrameNo() uint64 {
	return w.loadState().committedFrameNo
}

// Checkpoint drops sealed segments that are entirely covered by the
// replicator's durable watermark, never blocking writers or skipping
// segments out of order (spec §6, SPEC_FULL.md checkpoint policy).
func (w *WAL) Checkpoint() (int, error) {
	s := w.loadState()
	dropped, err := s.tail.TrimBefore(s.durableFrameNo, w.dbFile, w.fs)
	if dropped > 0 {
		w.metrics.SetCheckpointedFrameNo(s.durableFrameNo)
		level.Info(w.logger).Log("msg", "checkpointed sealed segments", "dropped", dropped, "durable_frame_no", s.durableFrameNo)
		if w.catalog != nil {
			if err := w.saveCatalog(tailSlice(s.tail), s.current); err != nil {
				level.Warn(w.logger).Log("msg", "catalog save failed", "namespace", w.namespace, "err", err)
			}
		}
	}
	return dropped, err
}

// runRotate is the background rotation goroutine: it waits for
// triggerRotate and then seals the current segment and opens a new one,
// the same hand-off pattern the teacher's WAL uses for segment rotation.
func (w *WAL) runRotate() {
	for range w.triggerRotate {
		if err := w.rotate(); err != nil {
			level.Error(w.logger).Log("msg", "segment rotation failed", "err", err)
		}
	}
}

// sealSegment seals cur, reopens it read-only as a Sealed segment with its
// last_frame_no recorded, and delivers it to the swap handler, if one is
// registered, before returning it. Caller must hold writeMu.
func (w *WAL) sealSegment(cur *segment.Current) (*segment.Sealed, error) {
	lastFrameNo := cur.LastFrameNo()
	path := segmentPath(w.dir, cur.Header().StartFrameNo)
	if err := cur.Seal(); err != nil {
		return nil, err
	}

	f, err := w.fs.Open(path, false, true, false)
	if err != nil {
		return nil, err
	}
	sealed, err := segment.Open(f, path)
	if err != nil {
		return nil, err
	}
	sealed.SetLastFrameNo(lastFrameNo)
	if w.swapHandler != nil {
		w.swapHandler(sealed)
	}
	return sealed, nil
}

// shouldRotate reports whether cur has reached segmentMaxPages frames or,
// when segmentMaxAge is set, holds frames and is older than segmentMaxAge.
func (w *WAL) shouldRotate(cur *segment.Current) bool {
	if cur.FrameCount() >= w.segmentMaxPages {
		return true
	}
	return w.segmentMaxAge > 0 && cur.FrameCount() > 0 &&
		time.Since(time.Unix(cur.Header().CreatedAtUnix, 0)) >= w.segmentMaxAge
}

// createSegment opens a brand-new Current segment starting at startFrameNo.
func (w *WAL) createSegment(startFrameNo uint64) (*segment.Current, error) {
	return segment.Create(w.fs, segmentPath(w.dir, startFrameNo), w.pageSize, startFrameNo, time.Now())
}

func (w *WAL) rotate() error {
	w.rotateMu.Lock()
	defer w.rotateMu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	s := w.loadState()
	if !w.shouldRotate(s.current) {
		return nil
	}

	sealed, err := w.sealSegment(s.current)
	if err != nil {
		return err
	}
	newCur, err := w.createSegment(sealed.LastFrameNo() + 1)
	if err != nil {
		return err
	}

	newTail := segment.NewTail(append([]*segment.Sealed{sealed}, tailSlice(s.tail)...))
	newState := state{
		current:          newCur,
		tail:             newTail,
		committedFrameNo: s.committedFrameNo,
		durableFrameNo:   s.durableFrameNo,
	}
	w.s.Store(&newState)
	w.metrics.ObserveSegmentSealed()
	w.wakeWaiters()
	level.Info(w.logger).Log("msg", "sealed segment", "start_frame_no", newTail.Head().Header().StartFrameNo, "last_frame_no", sealed.LastFrameNo())

	if w.catalog != nil {
		if err := w.saveCatalog(tailSlice(newTail), newCur); err != nil {
			level.Warn(w.logger).Log("msg", "catalog save failed", "namespace", w.namespace, "err", err)
		}
	}
	return nil
}

func tailSlice(t *segment.Tail) []*segment.Sealed {
	out := make([]*segment.Sealed, t.Len())
	for i := 0; i < t.Len(); i++ {
		out[i] = t.At(i)
	}
	return out
}

// Tail returns the namespace's current sealed-segment chain, for the
// replicator to stream from.
func (w *WAL) Tail() *segment.Tail { return w.loadState().tail }

// Current returns the namespace's current mutable segment, for the
// replicator to stream in-flight commits from.
func (w *WAL) Current() *segment.Current { return w.loadState().current }

// Close implements the namespace shutdown sequence (spec §4.7): any
// in-flight write is allowed to finish (enforced by acquiring writeMu), the
// current segment is swapped out and sealed, the fresh empty current left
// behind by that swap is itself sealed, and the whole resulting tail is
// checkpointed into the database file unconditionally, so a restart never
// finds sealed segments still waiting on a durability watermark that was
// only ever going to be satisfied by a storage backend that is now closed.
func (w *WAL) Close() error {
	if !atomic.CompareAndSwapUint32(&w.closed, 0, 1) {
		return nil
	}
	w.rotateMu.Lock()
	defer w.rotateMu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	close(w.triggerRotate)

	s := w.loadState()

	// "perform a swap": seal the real current segment.
	sealedA, err := w.sealSegment(s.current)
	if err != nil {
		return err
	}
	emptyCur, err := w.createSegment(sealedA.LastFrameNo() + 1)
	if err != nil {
		return err
	}
	// "seal the now-empty current": the swap above always leaves a fresh,
	// unsealed current behind; seal that too so nothing is left open.
	sealedB, err := w.sealSegment(emptyCur)
	if err != nil {
		return err
	}

	tail := segment.NewTail(append([]*segment.Sealed{sealedB, sealedA}, tailSlice(s.tail)...))
	if _, err := tail.TrimBefore(math.MaxUint64, w.dbFile, w.fs); err != nil {
		return err
	}

	w.s.Store(&state{
		current:          emptyCur,
		tail:             tail,
		committedFrameNo: s.committedFrameNo,
		durableFrameNo:   s.durableFrameNo,
	})
	w.wakeWaiters()
	return w.dbFile.Close()
}
