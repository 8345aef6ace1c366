// Command walctl is a manual operability tool for a WAL root directory:
// it inspects namespaces, triggers checkpoints, and prints a live frame
// stream to stdout. It never talks to a network replica; that's the job
// of whatever embeds the replication package (SPEC_FULL.md §13.1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	wal "github.com/volantdb/wal"
	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/walfile"
)

var pageSize uint32

func main() {
	root := &cobra.Command{
		Use:   "walctl",
		Short: "inspect and operate a WAL root directory",
	}
	root.PersistentFlags().Uint32Var(&pageSize, "page-size", 4096, "namespace page size in bytes")

	root.AddCommand(openCmd(), segmentsCmd(), checkpointCmd(), streamCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB(dir string) (*wal.DB, error) {
	return wal.Open(dir, wal.Config{PageSize: pageSize, FS: walfile.Std{}})
}

func openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open <dir>",
		Short: "open a WAL root directory and shut it down again; no namespace is opened",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			return db.Shutdown()
		},
	}
}

func segmentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "segments <dir> <namespace>",
		Short: "print a namespace's committed and durable frame numbers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Shutdown()

			ns, err := db.Namespace(args[1])
			if err != nil {
				return err
			}
			snap, err := ns.BeginReadTx()
			if err != nil {
				return err
			}
			defer snap.Close()

			fmt.Printf("committed_frame_no=%d durable_frame_no=%d\n", snap.MaxFrameNo, ns.DurableFrameNo())
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint <dir> <namespace>",
		Short: "drop sealed segments already covered by the durable watermark",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Shutdown()

			ns, err := db.Namespace(args[1])
			if err != nil {
				return err
			}
			inWAL, checkpointed, err := ns.Checkpoint(wal.CheckpointPassive)
			if err != nil {
				return err
			}
			fmt.Printf("checkpointed=%d remaining_segments=%d\n", checkpointed, inWAL)
			return nil
		},
	}
}

func streamCmd() *cobra.Command {
	var from uint64
	cmd := &cobra.Command{
		Use:   "stream <dir> <namespace>",
		Short: "stream committed frames to stdout as JSON lines, starting at --from",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(args[0])
			if err != nil {
				return err
			}
			defer db.Shutdown()

			ns, err := db.Namespace(args[1])
			if err != nil {
				return err
			}
			return ns.Replicate(cmd.Context(), stdoutSink{}, from)
		},
	}
	cmd.Flags().Uint64Var(&from, "from", 1, "first frame_no to stream")
	return cmd
}

// stdoutSink prints each frame's header as a JSON line, for humans
// watching replication progress rather than a real replica.
type stdoutSink struct{}

func (stdoutSink) WriteFrame(_ context.Context, fr frame.Frame) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(struct {
		FrameNo   uint64 `json:"frame_no"`
		PageNo    uint64 `json:"page_no"`
		SizeAfter uint64 `json:"size_after,omitempty"`
	}{fr.Header.FrameNo, fr.Header.PageNo, fr.Header.SizeAfter})
}
