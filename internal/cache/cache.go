// Package cache provides persistent, content-addressed caching of
// docker/oci layer and registry blobs so a repeated pipeline run does
// not re-decompress or re-fetch a blob it has already seen (spec.md
// §4.2's docker/oci codec; adapted from the teacher's progressive
// file-hash cache — same BoltDB double-database self-cleaning design,
// keyed by digest instead of by file identity since a blob's digest
// already is its identity).
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "blobs"

// Cache provides persistent caching of layer/blob bytes using BoltDB.
// Implements self-cleaning: each run creates a new database, only used
// entries survive, the same pattern the teacher's hash cache uses.
type Cache struct {
	readDB  *bolt.DB // existing cache (read-only)
	writeDB *bolt.DB // new cache (write) - BoltDB locks this file
	path    string   // final path (for atomic swap)
	enabled bool
}

// Open opens the existing cache for reading and creates a new cache for
// writing. BoltDB's file locking on the ".new" file prevents concurrent
// instances. Returns a disabled cache if path is empty.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			c.readDB = readDB
		}
	}

	writeDB, err := bolt.Open(path+".new", 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old one with
// the new, self-cleaned one. Only replaces if the write database closed
// successfully, to avoid losing a run's cache on a write error.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Lookup retrieves a cached blob by digest (e.g. "sha256:<hex>"). On a
// hit it copies the entry into the write database too (self-cleaning),
// so a second pull in the same run doesn't re-earn its place. Returns
// (nil, false, nil) on a miss.
func (c *Cache) Lookup(digest string) ([]byte, bool, error) {
	if !c.enabled {
		return nil, false, nil
	}

	// Entries stored earlier in this run live only in writeDB.
	var data []byte
	for _, db := range []*bolt.DB{c.writeDB, c.readDB} {
		if db == nil || data != nil {
			continue
		}
		err := db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucketName))
			if b == nil {
				return nil
			}
			if v := b.Get([]byte(digest)); v != nil {
				data = make([]byte, len(v))
				copy(data, v)
			}
			return nil
		})
		if err != nil {
			return nil, false, fmt.Errorf("cache lookup: %w", err)
		}
	}
	if data == nil {
		return nil, false, nil
	}

	_ = c.Store(digest, data)
	return data, true, nil
}

// Store saves a blob under its digest in the write database.
func (c *Cache) Store(digest string, data []byte) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(digest), data)
	})
	if err != nil {
		return fmt.Errorf("cache store: %w", err)
	}
	return nil
}
