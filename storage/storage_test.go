package storage

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/volantdb/wal/frame"
)

func TestNoStorageReportsEverythingDurable(t *testing.T) {
	var s NoStorage
	require.NoError(t, s.Store(context.Background(), StoreSegmentRequest{Namespace: "ns"}))
	n, err := s.DurableFrameNo(context.Background(), "ns")
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), n)
}

func TestTestStorageStoresAndRestores(t *testing.T) {
	s := NewTestStorage()
	ctx := context.Background()

	frames := []frame.Frame{
		frame.New(1, 10, 0, make([]byte, 16)),
		frame.New(2, 11, 2, make([]byte, 16)),
	}
	require.NoError(t, s.Store(ctx, StoreSegmentRequest{Namespace: "ns", Frames: frames}))

	n, err := s.DurableFrameNo(ctx, "ns")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	var got []frame.Frame
	require.NoError(t, s.Restore(ctx, "ns", RestoreOptions{Latest: true}, func(f frame.Frame) error {
		got = append(got, f)
		return nil
	}))
	require.Len(t, got, 2)
	require.EqualValues(t, 1, got[0].Header.FrameNo)
}
