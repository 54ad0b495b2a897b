package datamanager

import (
	"errors"

	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/record"
	"github.com/cuemby/dossier/pkg/store"
)

// errMalformedIndexKey guards against a corrupt INDEX entry whose key
// is not a well-formed 16-byte GID.
var errMalformedIndexKey = errors.New("datamanager: malformed index key")

// RecordIterator walks every record known to a Manager's backend, in
// GID (creation) order, resolving each through the identity cache the
// same way ResolveRef does — the Go rendering of the source's
// DataManager._iter/DataRef pairing.
type RecordIterator struct {
	m     *Manager
	inner *store.Iterator
}

// Iter opens a RecordIterator over every bound record.
func (m *Manager) Iter() (*RecordIterator, error) {
	inner, err := m.backend.Iter(store.Index)
	if err != nil {
		return nil, err
	}
	return &RecordIterator{m: m, inner: inner}, nil
}

// Next advances to the next record, if any.
func (it *RecordIterator) Next() bool { return it.inner.Next() }

// Record resolves the current position's record through the identity
// cache (or Rehydrates it if this is the first time it is seen).
func (it *RecordIterator) Record() (*record.Record, error) {
	g, ok := gid.FromBytes(it.inner.Key())
	if !ok {
		return nil, errMalformedIndexKey
	}
	kind := string(it.inner.Value())
	return it.m.resolve(g, kind)
}

// Close releases the iterator's underlying backend transaction.
func (it *RecordIterator) Close() error { return it.inner.Close() }
