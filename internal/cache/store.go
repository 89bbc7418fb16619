// SPDX-License-Identifier: MIT

// Package cache is the offline heart of the builder: a content-addressed blob
// store with a badger index mapping upstream URLs to digests and ETags.
// Builds in offline mode are served entirely from here.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/renameio/v2"
	"github.com/pkgsmith/agentpack/internal/manifest"
	"github.com/pkgsmith/agentpack/internal/metrics"
)

// ErrMiss is returned when a digest is not present in the blob store.
var ErrMiss = errors.New("cache miss")

const urlKeyPrefix = "url:"

// Record is the index entry for one upstream URL.
type Record struct {
	URL      string    `json:"url"`
	Digest   string    `json:"digest"`
	ETag     string    `json:"etag,omitempty"`
	Size     int64     `json:"size"`
	StoredAt time.Time `json:"storedAt"`
}

// Store is a content-addressed cache rooted at a directory:
// blobs/<aa>/<digest> for payloads, index/ for the badger keyspace.
type Store struct {
	root string
	db   *badger.DB
}

// Open opens (or creates) the cache at root.
func Open(root string) (*Store, error) {
	blobDir := filepath.Join(root, "blobs")
	if err := os.MkdirAll(blobDir, 0750); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(root, "index")).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	return &Store{root: root, db: db}, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

// BlobPath returns where a digest lives (whether or not it exists).
func (s *Store) BlobPath(digest string) string {
	return filepath.Join(s.root, "blobs", digest[:2], digest)
}

// Has reports whether the blob for digest is present.
func (s *Store) Has(digest string) bool {
	if len(digest) < 2 {
		return false
	}
	_, err := os.Stat(s.BlobPath(digest))
	return err == nil
}

// Get returns the blob path for digest or ErrMiss.
func (s *Store) Get(digest string) (string, error) {
	if !s.Has(digest) {
		metrics.IncCacheOp("get", "miss")
		return "", fmt.Errorf("%w: %s", ErrMiss, digest)
	}
	metrics.IncCacheOp("get", "hit")
	return s.BlobPath(digest), nil
}

// Put moves the verified file at src into the blob store under digest.
// Callers must have checked the digest already; Put is pure bookkeeping.
func (s *Store) Put(src, digest string) error {
	dst := s.BlobPath(digest)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		metrics.IncCacheOp("put", "failure")
		return fmt.Errorf("create blob shard: %w", err)
	}

	// Same filesystem: a rename is atomic and free. Cross-device falls back
	// to a durable copy.
	if err := os.Rename(src, dst); err != nil {
		if err := copyDurable(src, dst); err != nil {
			metrics.IncCacheOp("put", "failure")
			return err
		}
		_ = os.Remove(src)
	}
	metrics.IncCacheOp("put", "success")
	return nil
}

func copyDurable(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 -- internal staging path
	if err != nil {
		return fmt.Errorf("open source blob: %w", err)
	}
	defer func() { _ = in.Close() }()

	pending, err := renameio.NewPendingFile(dst)
	if err != nil {
		return fmt.Errorf("create pending blob: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := io.Copy(pending, in); err != nil {
		return fmt.Errorf("copy blob: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("commit blob: %w", err)
	}
	return nil
}

// Remember stores the index record for an upstream URL.
func (s *Store) Remember(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode cache record: %w", err)
	}
	key := []byte(urlKeyPrefix + rec.URL)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// Lookup returns the index record for url, if any. Used for conditional GETs.
func (s *Store) Lookup(url string) (*Record, bool, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(urlKeyPrefix + url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		metrics.IncCacheOp("lookup", "miss")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache lookup: %w", err)
	}
	metrics.IncCacheOp("lookup", "hit")
	return &rec, true, nil
}

// OfflineMissError lists every asset an offline build cannot satisfy.
type OfflineMissError struct {
	Missing []string // "<server-id>@<digest-prefix>"
}

func (e *OfflineMissError) Error() string {
	return fmt.Sprintf("offline mode: %d asset(s) missing from cache: %s",
		len(e.Missing), strings.Join(e.Missing, ", "))
}

// EnsureAll verifies that every resolved asset is present in the blob store.
// It never touches the network; this is the offline-mode gate.
func (s *Store) EnsureAll(resolved []manifest.Resolved) error {
	var missing []string
	for _, r := range resolved {
		if !s.Has(r.Asset.SHA256) {
			metrics.IncDownload("offline_miss")
			missing = append(missing, r.Server.ID+"@"+r.Asset.SHA256[:12])
		}
	}
	if len(missing) > 0 {
		return &OfflineMissError{Missing: missing}
	}
	return nil
}

// GC removes blobs whose digest is not in live and drops index entries that
// point at removed blobs. Returns the number of blobs deleted.
func (s *Store) GC(live map[string]struct{}) (int, error) {
	blobRoot := filepath.Join(s.root, "blobs")
	removed := 0

	err := filepath.WalkDir(blobRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		digest := filepath.Base(path)
		if _, keep := live[digest]; keep {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale blob: %w", err)
		}
		removed++
		return nil
	})
	if err != nil {
		metrics.IncCacheOp("gc", "failure")
		return removed, err
	}

	// Drop index entries for digests that no longer exist.
	err = s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var rec Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			if !s.Has(rec.Digest) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		metrics.IncCacheOp("gc", "failure")
		return removed, fmt.Errorf("prune cache index: %w", err)
	}

	metrics.IncCacheOp("gc", "success")
	return removed, nil
}
