// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command walbench is a load generator for the WAL core, adapted from the
// teacher's bench/bench_test.go: instead of benchmarking raft.LogStore's
// StoreLogs/GetLog against raft-wal and raft-boltdb, it drives a live
// namespace's Frames/ReadPage method-table calls and reports latency
// percentiles with the same benmathews/bench + HdrHistogram toolchain the
// teacher benchmarks with (SPEC_FULL.md §13.2).
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/benmathews/bench"
	hw "github.com/benmathews/hdrhistogram-writer"

	wal "github.com/volantdb/wal"
	"github.com/volantdb/wal/walfile"
)

func main() {
	dir := flag.String("dir", "", "WAL root directory (required)")
	namespace := flag.String("namespace", "bench", "namespace to load")
	pageSize := flag.Uint("page-size", 4096, "page size in bytes")
	requestRate := flag.Int("rate", 1000, "target requests/sec")
	requestCount := flag.Int("count", 100000, "total requests to issue")
	concurrency := flag.Int("concurrency", 4, "number of concurrent requesters")
	writeFrac := flag.Float64("write-frac", 0.1, "fraction of requests that are commits")
	histOut := flag.String("hist-out", "walbench-latency.hgrm", "HdrHistogram percentile distribution output path")
	flag.Parse()

	if *dir == "" {
		log.Fatal("walbench: -dir is required")
	}

	db, err := wal.Open(*dir, wal.Config{PageSize: uint32(*pageSize), FS: walfile.Std{}})
	if err != nil {
		log.Fatalf("walbench: open: %v", err)
	}
	defer db.Shutdown()

	ns, err := db.Namespace(*namespace)
	if err != nil {
		log.Fatalf("walbench: namespace: %v", err)
	}

	factory := &requesterFactory{ns: ns, pageSize: uint32(*pageSize), writeFrac: *writeFrac}
	b := bench.NewBenchmark(factory, int64(*requestRate), int64(*requestCount), *concurrency, time.Minute)
	summary := b.Run()

	fmt.Println(summary)
	if err := hw.WriteDistributionFile(summary.Histogram, &hw.PercentileWriterConfig{}, 1.0, *histOut); err != nil {
		log.Printf("walbench: writing histogram: %v", err)
	}
}

// requesterFactory builds one requester per concurrent worker, each
// issuing a mix of page writes (committed frame bursts) and page reads
// against the namespace (grounded on the teacher's openWAL/runAppendBench
// shape, generalized from a single append loop to a read/write mix since
// this engine's method table separates the two paths).
type requesterFactory struct {
	ns        *wal.Namespace
	pageSize  uint32
	writeFrac float64
}

func (f *requesterFactory) GetRequester(_ int) bench.Requester {
	return &requester{
		ns:        f.ns,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		pageSize:  f.pageSize,
		writeFrac: f.writeFrac,
	}
}

type requester struct {
	ns        *wal.Namespace
	rng       *rand.Rand
	pageSize  uint32
	writeFrac float64
	nextPage  uint64
}

func (r *requester) Setup() error    { return nil }
func (r *requester) Teardown() error { return nil }

func (r *requester) Request() error {
	if r.rng.Float64() < r.writeFrac {
		return r.write()
	}
	return r.read()
}

func (r *requester) write() error {
	wt, err := r.ns.BeginWriteTx()
	if err != nil {
		return err
	}
	r.nextPage++
	data := make([]byte, r.pageSize)
	r.rng.Read(data)
	err = r.ns.Frames(wt, []wal.FrameInput{{PageNo: r.nextPage, Data: data, SizeAfter: r.nextPage}}, true, wal.FlagSync)
	if err != nil {
		r.ns.RollbackWriteTx(wt)
		return err
	}
	return nil
}

func (r *requester) read() error {
	snap, err := r.ns.BeginReadTx()
	if err != nil {
		return err
	}
	defer snap.Close()
	if r.nextPage == 0 {
		return nil
	}
	page := uint64(r.rng.Intn(int(r.nextPage))) + 1
	_, _, err = r.ns.ReadPage(snap, page)
	return err
}
