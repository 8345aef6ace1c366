// Package registry implements the per-process namespace registry: the
// map from namespace name to its Shared WAL, with a first-open-wins
// Building/Ready slot state machine so concurrent opens of the same
// namespace converge on a single winner instead of racing to create two
// Shared WALs for it (spec §5 "Namespace registry", grounded on
// registry.rs's Slot::{Building, Wal}).
package registry

import (
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/shared"
	"github.com/volantdb/wal/walfile"
)

// slotState is which phase a namespace's registry entry is in.
type slotState int

const (
	slotBuilding slotState = iota
	slotReady
)

// slot is one namespace's registry entry. While Building, only the
// goroutine that created it may complete it; every other caller waits on
// ready and then reads wal/err.
type slot struct {
	state slotState
	ready chan struct{}

	wal *shared.WAL
	err error
}

// OpenFunc builds a Shared WAL for a newly registered namespace. The
// registry calls it at most once per namespace, even under concurrent
// Open calls racing to create the same one (spec §5 "first open wins").
type OpenFunc func(dir string, name string) (*shared.WAL, error)

// Registry is the process-wide table of open namespaces.
type Registry struct {
	mu   sync.Mutex
	cond map[string]*slot

	rootDir string
	fs      walfile.FS
	open    OpenFunc
	logger  log.Logger

	shuttingDown bool
}

// New creates a Registry rooted at rootDir; each namespace gets its own
// subdirectory rootDir/<name>.
func New(rootDir string, fs walfile.FS, open OpenFunc, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		cond:    make(map[string]*slot),
		rootDir: rootDir,
		fs:      fs,
		open:    open,
		logger:  logger,
	}
}

// Open returns the Shared WAL for name, opening (and registering) it if
// this is the first call for that namespace. Concurrent callers for the
// same namespace block until the winner finishes opening it, then all
// share its result (spec §5 "try_open"). An open that fails with a
// corrupt error leaves the namespace registered as failed: later Opens
// return the same error until Close(name) unregisters it. Any other open
// error unregisters the namespace so the next Open retries.
func (r *Registry) Open(name string) (*shared.WAL, error) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, errs.ErrShuttingDown
	}

	if s, ok := r.cond[name]; ok {
		r.mu.Unlock()
		<-s.ready
		return s.wal, s.err
	}

	s := &slot{state: slotBuilding, ready: make(chan struct{})}
	r.cond[name] = s
	r.mu.Unlock()

	dir := filepath.Join(r.rootDir, name)
	wal, err := r.open(dir, name)

	r.mu.Lock()
	if err != nil {
		if !errs.IsCorrupt(err) {
			delete(r.cond, name)
		}
		r.mu.Unlock()
		s.err = err
		close(s.ready)
		return nil, err
	}
	s.state = slotReady
	s.wal = wal
	r.mu.Unlock()
	close(s.ready)

	level.Info(r.logger).Log("msg", "namespace opened", "namespace", name)
	return wal, nil
}

// Close closes and unregisters a single namespace's Shared WAL, if open.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	s, ok := r.cond[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.cond, name)
	r.mu.Unlock()

	<-s.ready
	if s.err != nil {
		return nil
	}
	return s.wal.Close()
}

// Names returns the names of every namespace currently registered
// (Building or Ready, including one whose open failed as corrupt).
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.cond))
	for n := range r.cond {
		names = append(names, n)
	}
	return names
}

// Shutdown marks the registry as shutting down (further Open calls fail
// with errs.ErrShuttingDown) and closes every open namespace. Stop
// admitting new opens first, then drain existing ones. Each namespace's
// shared.WAL.Close implements the full shutdown sequence itself: wait for
// any in-flight write to release the writer slot, swap, seal the now-empty
// current, and checkpoint
// the entire tail into the database file (spec §4.7, grounded on
// registry.rs's shutdown path).
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.shuttingDown = true
	slots := make([]*slot, 0, len(r.cond))
	for _, s := range r.cond {
		slots = append(slots, s)
	}
	r.cond = make(map[string]*slot)
	r.mu.Unlock()

	var first error
	for _, s := range slots {
		<-s.ready
		if s.err != nil {
			continue
		}
		if err := s.wal.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
