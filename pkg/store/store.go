// Package store implements the KV Backend described in spec.md §4.2
// over three go.etcd.io/bbolt databases in a shared data directory:
// meta.db tracks the backend's granted logical capacity, data.db holds
// the index and trait namespaces, and lock.db backs the advisory lock
// protocol in pkg/lock. This mirrors the original LMDB design's three
// sub-environments even though bbolt grows its own mmap automatically
// — the explicit map_size bookkeeping is what lets Backend.Write
// implement the GROWTH_POLICY contract as an observable, testable
// behavior of this package rather than an implementation detail
// borrowed from the underlying library.
package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	metaBucketName = "meta"
	mapSizeKey     = "map_size"
	lockBucketName = "lock"

	maxRetries   = 8
	retryBackoff = 20 * time.Millisecond
)

// Namespace selects one of data.db's two buckets.
type Namespace uint8

const (
	Index Namespace = iota
	Trait
)

func (ns Namespace) bucket() []byte {
	switch ns {
	case Index:
		return []byte("index")
	case Trait:
		return []byte("trait")
	default:
		panic("store: unknown namespace")
	}
}

// Item is one key/value pair destined for a Write call.
type Item struct {
	Namespace Namespace
	Key       []byte
	Value     []byte
}

// Backend is the KV Backend: one open data directory.
type Backend struct {
	dir string

	mu   sync.Mutex
	meta *bolt.DB
	data *bolt.DB
	// dataSize is data.db's file size as of the last (re)open or
	// successful write, for stale-view detection.
	dataSize int64
	lockDB   *bolt.DB

	// gate is held for read by every open Iterator and for write
	// around any close/reopen of b.data, so growth or a stale-view
	// reopen never yanks the handle out from under a concurrent
	// reader in another goroutine. A caller that writes to the
	// backend while holding its own Iterator open on the same
	// goroutine must close that Iterator first — gate cannot protect
	// against a goroutine blocking on itself.
	gate sync.RWMutex
}

// Open opens (creating if necessary) the backend rooted at dir.
func Open(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: creating data dir: %w", err)
	}

	meta, err := bolt.Open(filepath.Join(dir, "meta.db"), 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening meta.db: %w", err)
	}
	if err := meta.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucketName))
		return err
	}); err != nil {
		meta.Close()
		return nil, fmt.Errorf("store: initializing meta.db: %w", err)
	}

	b := &Backend{dir: dir, meta: meta}

	size, err := b.mapSize()
	if err != nil {
		meta.Close()
		return nil, err
	}
	if size == 0 {
		size = defaultInitialMapSize
		if err := b.setMapSize(size); err != nil {
			meta.Close()
			return nil, err
		}
	}

	if err := b.openData(size); err != nil {
		meta.Close()
		return nil, err
	}

	lockDB, err := bolt.Open(filepath.Join(dir, "lock.db"), 0o644, nil)
	if err != nil {
		b.data.Close()
		meta.Close()
		return nil, fmt.Errorf("store: opening lock.db: %w", err)
	}
	if err := lockDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(lockBucketName))
		return err
	}); err != nil {
		lockDB.Close()
		b.data.Close()
		meta.Close()
		return nil, fmt.Errorf("store: initializing lock.db: %w", err)
	}
	b.lockDB = lockDB

	return b, nil
}

// Close releases all three database handles.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	record(b.data.Close())
	record(b.lockDB.Close())
	record(b.meta.Close())
	return first
}

func (b *Backend) openData(mapSize uint64) error {
	path := filepath.Join(b.dir, "data.db")
	db, err := bolt.Open(path, 0o644, &bolt.Options{InitialMmapSize: int(mapSize)})
	if err != nil {
		return fmt.Errorf("store: opening data.db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(Index.bucket()); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(Trait.bucket())
		return err
	}); err != nil {
		db.Close()
		return fmt.Errorf("store: initializing data.db: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		db.Close()
		return fmt.Errorf("store: statting data.db: %w", err)
	}
	b.data = db
	b.dataSize = fi.Size()
	return nil
}

func (b *Backend) mapSize() (uint64, error) {
	var size uint64
	err := b.meta.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(metaBucketName)).Get([]byte(mapSizeKey))
		if v != nil {
			size = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return size, err
}

func (b *Backend) setMapSize(size uint64) error {
	return b.meta.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, size)
		return tx.Bucket([]byte(metaBucketName)).Put([]byte(mapSizeKey), buf)
	})
}

// Get reads a single value. The returned bool reports whether key was
// present.
func (b *Backend) Get(ns Namespace, key []byte) ([]byte, bool, error) {
	b.mu.Lock()
	db := b.data
	b.mu.Unlock()

	var val []byte
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(ns.bucket()).Get(key)
		if v != nil {
			val = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return val, found, err
}

func writeSize(items []Item) uint64 {
	var n uint64
	for _, it := range items {
		n += uint64(len(it.Key) + len(it.Value))
	}
	return n
}

// Write atomically applies every item in a single data.db transaction
// — the PutMany of spec.md §4.2. It transparently grows the backend's
// logical capacity and reopens a stale handle as needed.
func (b *Backend) Write(items []Item) error {
	estimate := writeSize(items)
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if recovered, err := b.recoverIfNeeded(estimate); err != nil {
			return err
		} else if recovered {
			lastErr = errCapacity
			continue
		}

		db, recordedSize := b.snapshotData()
		if stale, err := b.isStale(recordedSize); err != nil {
			return err
		} else if stale {
			if err := b.reopenData(); err != nil {
				return err
			}
			lastErr = errStaleView
			time.Sleep(retryBackoff)
			continue
		}

		err := db.Update(func(tx *bolt.Tx) error {
			for _, it := range items {
				if err := tx.Bucket(it.Namespace.bucket()).Put(it.Key, it.Value); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			b.refreshDataSize()
			return nil
		}
		return fmt.Errorf("store: write: %w", err)
	}
	return fmt.Errorf("store: write: exceeded %d retries (%w)", maxRetries, lastErr)
}

// DeletePrefix atomically removes every key with the given prefix
// from one namespace.
func (b *Backend) DeletePrefix(ns Namespace, prefix []byte) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		db, recordedSize := b.snapshotData()
		if stale, err := b.isStale(recordedSize); err != nil {
			return err
		} else if stale {
			if err := b.reopenData(); err != nil {
				return err
			}
			lastErr = errStaleView
			time.Sleep(retryBackoff)
			continue
		}

		err := db.Update(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(ns.bucket())
			c := bucket.Cursor()
			var keys [][]byte
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			b.refreshDataSize()
			return nil
		}
		return fmt.Errorf("store: delete prefix: %w", err)
	}
	return fmt.Errorf("store: delete prefix: exceeded %d retries (%w)", maxRetries, lastErr)
}

func (b *Backend) snapshotData() (*bolt.DB, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data, b.dataSize
}

// refreshDataSize re-stats data.db and records its size, so a write
// that grows the file in the ordinary course of business (bbolt's own
// automatic remapping within this process) is never mistaken by a
// later call for a cross-process resize.
func (b *Backend) refreshDataSize() {
	fi, err := os.Stat(filepath.Join(b.dir, "data.db"))
	if err != nil {
		return
	}
	b.mu.Lock()
	b.dataSize = fi.Size()
	b.mu.Unlock()
}

// isStale reports whether data.db's on-disk size has drifted from
// what this handle recorded at its last open or write — the signal
// that another process has grown (or otherwise touched) the map out
// from under us. A false positive merely costs an extra reopen, never
// correctness.
func (b *Backend) isStale(recordedSize int64) (bool, error) {
	fi, err := os.Stat(filepath.Join(b.dir, "data.db"))
	if err != nil {
		return false, fmt.Errorf("store: statting data.db: %w", err)
	}
	return fi.Size() != recordedSize, nil
}

// reopenData closes and reopens data.db. gate is taken for write so
// this never runs while an Iterator from another goroutine holds the
// handle's mmap lock for read; see the Backend.gate field comment.
func (b *Backend) reopenData() error {
	b.gate.Lock()
	defer b.gate.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.data.Close(); err != nil {
		return fmt.Errorf("store: closing stale data.db: %w", err)
	}
	size, err := b.mapSize()
	if err != nil {
		return err
	}
	return b.openData(size)
}

// recoverIfNeeded grows the backend's logical capacity (persisting
// the new map_size to meta.db and reopening data.db with it as the
// new InitialMmapSize) if estimate would not fit in the space already
// granted. It reports whether it grew the backend.
func (b *Backend) recoverIfNeeded(estimate uint64) (bool, error) {
	path := filepath.Join(b.dir, "data.db")
	fi, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("store: statting data.db: %w", err)
	}
	current, err := b.mapSize()
	if err != nil {
		return false, err
	}
	if uint64(fi.Size())+estimate <= current {
		return false, nil
	}

	next := GrowthPolicy(current)
	for next < uint64(fi.Size())+estimate {
		next = GrowthPolicy(next)
	}
	if err := b.setMapSize(next); err != nil {
		return false, err
	}

	b.gate.Lock()
	defer b.gate.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.data.Close(); err != nil {
		return false, fmt.Errorf("store: closing data.db before growth: %w", err)
	}
	if err := b.openData(next); err != nil {
		return false, err
	}
	return true, nil
}

// MapSize returns the backend's current granted logical capacity.
func (b *Backend) MapSize() (uint64, error) {
	return b.mapSize()
}
