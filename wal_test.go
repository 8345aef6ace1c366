package wal

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/volantdb/wal/errs"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/storage"
)

const testPageSize = 4096

func page(b byte) []byte {
	data := make([]byte, testPageSize)
	for i := range data {
		data[i] = b
	}
	return data
}

func TestOpenNamespaceCommitAndRead(t *testing.T) {
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)

	wt, err := ns.BeginWriteTx()
	require.NoError(t, err)
	err = ns.Frames(wt, []FrameInput{
		{PageNo: 1, Data: page(1)},
		{PageNo: 2, Data: page(2), SizeAfter: 2},
	}, true, FlagSync)
	require.NoError(t, err)

	snap, err := ns.BeginReadTx()
	require.NoError(t, err)
	data, ok, err := ns.ReadPage(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(1), data)

	frameNo, ok, err := ns.FindFrame(snap, 2)
	require.NoError(t, err)
	require.True(t, ok)

	dst := make([]byte, testPageSize)
	require.NoError(t, ns.ReadFrame(frameNo, dst))
	require.Equal(t, page(2), dst)
}

func TestSameNamespaceIsSharedAcrossOpens(t *testing.T) {
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize})
	require.NoError(t, err)
	defer db.Shutdown()

	ns1, err := db.Namespace("ns1")
	require.NoError(t, err)
	ns2, err := db.Namespace("ns1")
	require.NoError(t, err)
	require.Same(t, ns1.wal, ns2.wal)
}

func TestBeginWriteTxBusyOnConflict(t *testing.T) {
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)

	wt, err := ns.BeginWriteTx()
	require.NoError(t, err)
	_, err = ns.BeginWriteTx()
	require.ErrorIs(t, err, errs.ErrBusy)

	ns.RollbackWriteTx(wt)
	wt2, err := ns.BeginWriteTx()
	require.NoError(t, err)
	ns.RollbackWriteTx(wt2)
}

func TestSavepointUndoDropsStagedPagesNotYetCommitted(t *testing.T) {
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)

	wt, err := ns.BeginWriteTx()
	require.NoError(t, err)
	require.NoError(t, ns.Frames(wt, []FrameInput{{PageNo: 1, Data: page(1)}}, false, FlagNone))

	mark := ns.Savepoint(wt)
	require.NoError(t, ns.Frames(wt, []FrameInput{{PageNo: 2, Data: page(2)}}, false, FlagNone))
	ns.SavepointUndo(wt, mark)

	require.NoError(t, ns.Frames(wt, nil, true, FlagSync))

	snap, err := ns.BeginReadTx()
	require.NoError(t, err)
	_, ok, err := ns.ReadPage(snap, 2)
	require.NoError(t, err)
	require.False(t, ok, "page staged after the savepoint must not survive SavepointUndo")
}

func TestCheckpointReportsRemainingAndDroppedSegments(t *testing.T) {
	ts := storage.NewTestStorage()
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize, Storage: ts, SegmentMaxPages: 1})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		wt, err := ns.BeginWriteTx()
		require.NoError(t, err)
		require.NoError(t, ns.Frames(wt, []FrameInput{{PageNo: uint64(i + 1), Data: page(byte(i)), SizeAfter: uint64(i + 1)}}, true, FlagSync))
	}
	require.Eventually(t, func() bool { return ns.wal.Tail().Len() >= 2 }, time.Second, time.Millisecond,
		"background rotation should seal a segment per commit at SegmentMaxPages=1")

	// Simulate the durable sink having stored through the last committed
	// frame, the way a running Replicator would before a real checkpoint.
	ctx := context.Background()
	require.NoError(t, ts.Store(ctx, storage.StoreSegmentRequest{
		Namespace: "ns1",
		Frames:    []frame.Frame{frame.New(ns.wal.CommittedFrameNo(), 0, 0, page(0))},
	}))
	dfn, err := ns.SyncDurable(ctx)
	require.NoError(t, err)
	require.Equal(t, ns.wal.CommittedFrameNo(), dfn)

	inWAL, checkpointed, err := ns.Checkpoint(CheckpointPassive)
	require.NoError(t, err)
	require.Equal(t, 2, checkpointed)
	require.Equal(t, 0, inWAL)
}

func TestMetricsRegistererWiresNamespaceCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	db, err := Open(t.TempDir(), Config{PageSize: testPageSize, MetricsRegisterer: reg})
	require.NoError(t, err)
	defer db.Shutdown()

	ns, err := db.Namespace("ns1")
	require.NoError(t, err)
	wt, err := ns.BeginWriteTx()
	require.NoError(t, err)
	require.NoError(t, ns.Frames(wt, []FrameInput{{PageNo: 1, Data: page(1), SizeAfter: 1}}, true, FlagSync))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.True(t, hasCounterValue(families, "wal_commits_total", 1), "expected wal_commits_total=1, families: %+v", families)
}

func hasCounterValue(families []*dto.MetricFamily, name string, want float64) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if m.GetCounter().GetValue() == want {
				return true
			}
		}
	}
	return false
}
