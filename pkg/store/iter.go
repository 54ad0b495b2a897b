package store

import (
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Iterator performs a lazy, key-ordered walk of one namespace. Calling
// Iter again opens a fresh transaction, which is how a restartable
// iteration (per spec.md §8) is expressed in Go — akin to
// database/sql.Rows.
type Iterator struct {
	tx      *bolt.Tx
	cursor  *bolt.Cursor
	started bool
	closed  bool
	key     []byte
	value   []byte
	gate    *sync.RWMutex
}

// Iter opens a read-only cursor over ns. The returned Iterator holds
// b.gate for read until Close, so a concurrent reopen or growth never
// closes the handle out from under it.
func (b *Backend) Iter(ns Namespace) (*Iterator, error) {
	b.gate.RLock()

	b.mu.Lock()
	db := b.data
	b.mu.Unlock()

	tx, err := db.Begin(false)
	if err != nil {
		b.gate.RUnlock()
		return nil, fmt.Errorf("store: beginning read transaction: %w", err)
	}
	return &Iterator{tx: tx, cursor: tx.Bucket(ns.bucket()).Cursor(), gate: &b.gate}, nil
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() bool {
	var k, v []byte
	if !it.started {
		it.started = true
		k, v = it.cursor.First()
	} else {
		k, v = it.cursor.Next()
	}
	if k == nil {
		it.key, it.value = nil, nil
		return false
	}
	it.key = append([]byte(nil), k...)
	it.value = append([]byte(nil), v...)
	return true
}

// Key returns the current key. Valid only after a Next that returned true.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. Valid only after a Next that returned true.
func (it *Iterator) Value() []byte { return it.value }

// Close ends the underlying transaction and releases the read side of
// the backend's gate. Safe to call more than once.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.tx.Rollback()
	if it.gate != nil {
		it.gate.RUnlock()
	}
	return err
}
