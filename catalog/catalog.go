// Package catalog accelerates registry open (spec §4.7 try_open) with a
// small bolt database mapping namespace -> its segment file list, so a
// restart doesn't have to walk every namespace directory with ReadDir
// before it can serve reads. It is the Go counterpart of the teacher's
// log-store metadata database, repurposed from raft log metadata to a
// segment catalog cache for this domain (SPEC_FULL.md §11).
package catalog

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("namespaces")

// Entry describes one on-disk segment file as last seen by Save. Load
// callers must validate Size against the file's actual size before
// trusting an entry, since the catalog can go stale if segments were
// written by a process that crashed before it could update the catalog.
type Entry struct {
	Path         string `json:"path"`
	StartFrameNo uint64 `json:"start_frame_no"`
	LastFrameNo  uint64 `json:"last_frame_no"`
	Sealed       bool   `json:"sealed"`
	Size         int64  `json:"size"`
}

// Catalog is a process-wide cache of every namespace's segment list,
// backed by a single bolt database file.
type Catalog struct {
	db *bbolt.DB
}

// Open opens or creates the bolt database at path.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: init bucket: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close releases the underlying bolt database.
func (c *Catalog) Close() error { return c.db.Close() }

// Load returns the cached segment list for namespace, or (nil, nil) if
// the namespace has never been cataloged.
func (c *Catalog) Load(namespace string) ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(namespace))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: load %s: %w", namespace, err)
	}
	return entries, nil
}

// Save replaces namespace's cached segment list.
func (c *Catalog) Save(namespace string, entries []Entry) error {
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(namespace), buf)
	})
}

// Delete removes namespace's cached entry, e.g. once it's been dropped.
func (c *Catalog) Delete(namespace string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(namespace))
	})
}
