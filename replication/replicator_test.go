package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/shared"
	"github.com/volantdb/wal/walfile"
)

const testPageSize = 4096

func page(b byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

type fakeSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (f *fakeSink) WriteFrame(ctx context.Context, fr frame.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSink) snapshot() []frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestReplicatorStreamsCurrentSegmentCommits(t *testing.T) {
	dir := t.TempDir()
	w, err := shared.Open(dir, walfile.Std{}, testPageSize)
	require.NoError(t, err)
	defer w.Close()

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(1, page(1))
	wt.Stage(2, page(2))
	require.NoError(t, w.Commit(wt, 2))

	sink := &fakeSink{}
	repl := New(w, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- repl.Run(ctx, 1) }()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 2
	}, time.Second, time.Millisecond)

	frames := sink.snapshot()
	require.EqualValues(t, 1, frames[0].Header.FrameNo)
	require.EqualValues(t, 2, frames[1].Header.FrameNo)
	require.EqualValues(t, 2, frames[1].Header.SizeAfter, "size_after rewritten onto the burst's true last frame")

	cancel()
	<-done
}

func TestReplicatorStreamsSealedTailThenCurrent(t *testing.T) {
	dir := t.TempDir()
	w, err := shared.Open(dir, walfile.Std{}, testPageSize, shared.WithSegmentMaxPages(1))
	require.NoError(t, err)
	defer w.Close()

	wt, err := w.BeginWrite()
	require.NoError(t, err)
	wt.Stage(1, page(1))
	require.NoError(t, w.Commit(wt, 1))

	// Force the first commit into a sealed segment via the package-private
	// rotate path isn't reachable from here, so just commit a second
	// transaction and rely on the background rotation trigger firing.
	wt2, err := w.BeginWrite()
	require.NoError(t, err)
	wt2.Stage(2, page(2))
	require.NoError(t, w.Commit(wt2, 2))

	sink := &fakeSink{}
	repl := New(w, sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- repl.Run(ctx, 1) }()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 2
	}, time.Second, time.Millisecond)

	frames := sink.snapshot()
	require.EqualValues(t, 1, frames[0].Header.FrameNo)
	require.EqualValues(t, 2, frames[1].Header.FrameNo)
}
