// Package postgres implements storage.Storage on top of a Postgres table,
// giving namespaces transactional, queryable durable storage (SPEC_FULL.md
// §11, grounded on dsjohal14-selfstack's pgx-based manifest store).
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/volantdb/wal/frame"
	"github.com/volantdb/wal/storage"
)

// Schema is the DDL Open expects to already exist (migrations are the
// operator's responsibility, matching the teacher ecosystem's convention
// of shipping schema separately from the client).
const Schema = `
CREATE TABLE IF NOT EXISTS wal_frames (
	namespace   TEXT    NOT NULL,
	frame_no    BIGINT  NOT NULL,
	page_no     BIGINT  NOT NULL,
	size_after  BIGINT  NOT NULL,
	checksum    BIGINT  NOT NULL,
	data        BYTEA   NOT NULL,
	PRIMARY KEY (namespace, frame_no)
);
`

// Storage stores WAL frames in a Postgres table via a connection pool.
type Storage struct {
	pool *pgxpool.Pool
}

var _ storage.Storage = (*Storage)(nil)

// Open connects to connString and returns a ready Storage. Callers must
// ensure Schema has been applied.
func Open(ctx context.Context, connString string) (*Storage, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres storage: ping: %w", err)
	}
	return &Storage{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() { s.pool.Close() }

// Store inserts req's frames in a single transaction, so a namespace
// never ends up with a partially-durable burst visible to readers.
func (s *Storage) Store(ctx context.Context, req storage.StoreSegmentRequest) error {
	if len(req.Frames) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres storage: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, fr := range req.Frames {
		batch.Queue(
			`INSERT INTO wal_frames (namespace, frame_no, page_no, size_after, checksum, data)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (namespace, frame_no) DO NOTHING`,
			req.Namespace, fr.Header.FrameNo, fr.Header.PageNo, fr.Header.SizeAfter, fr.Header.Checksum, fr.Data,
		)
	}
	br := tx.SendBatch(ctx, batch)
	for range req.Frames {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("postgres storage: insert frame: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres storage: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

// DurableFrameNo returns the highest frame_no stored for namespace.
func (s *Storage) DurableFrameNo(ctx context.Context, namespace string) (uint64, error) {
	var max *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(frame_no) FROM wal_frames WHERE namespace = $1`, namespace,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("postgres storage: durable frame_no: %w", err)
	}
	if max == nil {
		return 0, nil
	}
	return uint64(*max), nil
}

// Restore streams namespace's stored frames in ascending frame_no order.
// RestoreOptions.Timestamp is not supported by this backend since the
// schema doesn't retain per-store timestamps; only the Latest generation
// can be restored.
func (s *Storage) Restore(ctx context.Context, namespace string, opts storage.RestoreOptions, fn func(frame.Frame) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT frame_no, page_no, size_after, checksum, data FROM wal_frames
		 WHERE namespace = $1 ORDER BY frame_no ASC`, namespace,
	)
	if err != nil {
		return fmt.Errorf("postgres storage: restore query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h frame.Header
		var data []byte
		if err := rows.Scan(&h.FrameNo, &h.PageNo, &h.SizeAfter, &h.Checksum, &data); err != nil {
			return fmt.Errorf("postgres storage: scan frame: %w", err)
		}
		if err := fn(frame.Frame{Header: h, Data: data}); err != nil {
			return err
		}
	}
	return rows.Err()
}
