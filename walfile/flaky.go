package walfile

import (
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Flaky wraps an FS and randomly fails operations, for exercising the
// engine's crash-recovery and corruption paths under test. Adapted from the
// libsql WAL's FlakyFs fault-injection harness.
type Flaky struct {
	inner     FS
	rng       *rand.Rand
	pFailure  float64
	enabled   atomic.Bool
	failWrite bool
	failSync  bool
}

// NewFlaky wraps inner with a fault injector that fails a random operation
// with probability pFailure once enabled. Disabled injectors are a no-op
// passthrough, letting tests arm failures only after setup completes.
func NewFlaky(inner FS, seed int64, pFailure float64) *Flaky {
	f := &Flaky{
		inner:     inner,
		rng:       rand.New(rand.NewSource(seed)),
		pFailure:  pFailure,
		failWrite: true,
		failSync:  true,
	}
	return f
}

// Enable arms fault injection; Disable stops it.
func (f *Flaky) Enable()  { f.enabled.Store(true) }
func (f *Flaky) Disable() { f.enabled.Store(false) }

func (f *Flaky) shouldFail() bool {
	return f.enabled.Load() && f.rng.Float64() < f.pFailure
}

func (f *Flaky) CreateDirAll(path string) error {
	return f.inner.CreateDirAll(path)
}

func (f *Flaky) Open(path string, createNew, read, write bool) (File, error) {
	inner, err := f.inner.Open(path, createNew, read, write)
	if err != nil {
		return nil, err
	}
	return &flakyFile{inner: inner, fs: f}, nil
}

func (f *Flaky) Remove(path string) error { return f.inner.Remove(path) }

func (f *Flaky) ReadDir(dir string) ([]string, error) { return f.inner.ReadDir(dir) }

type flakyFile struct {
	inner File
	fs    *Flaky
}

var errInjected = fmt.Errorf("walfile: injected fault")

func (f *flakyFile) Close() error { return f.inner.Close() }

func (f *flakyFile) ReadExactAt(buf []byte, off int64) error {
	if f.fs.shouldFail() {
		return errInjected
	}
	return f.inner.ReadExactAt(buf, off)
}

func (f *flakyFile) WriteAllAt(buf []byte, off int64) error {
	if f.fs.failWrite && f.fs.shouldFail() {
		return errInjected
	}
	return f.inner.WriteAllAt(buf, off)
}

func (f *flakyFile) WriteAtVectored(bufs [][]byte, off int64) (int, error) {
	if f.fs.failWrite && f.fs.shouldFail() {
		return 0, errInjected
	}
	return f.inner.WriteAtVectored(bufs, off)
}

func (f *flakyFile) SyncAll() error {
	if f.fs.failSync && f.fs.shouldFail() {
		return errInjected
	}
	return f.inner.SyncAll()
}

func (f *flakyFile) SetLen(size int64) error {
	if f.fs.shouldFail() {
		return errInjected
	}
	return f.inner.SetLen(size)
}

func (f *flakyFile) Preallocate(size int64) error {
	if f.fs.shouldFail() {
		return errInjected
	}
	return f.inner.Preallocate(size)
}

func (f *flakyFile) Size() (int64, error) {
	return f.inner.Size()
}
