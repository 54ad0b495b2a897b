// Package record implements the Data Record of spec.md §4.4: a
// schema-described, optionally manager-bound object whose field
// access transparently routes through the owning Data Manager once
// bound, and falls back to a local cache otherwise — the Go
// translation of the source's Data.__getattribute__/__setattr__
// interception.
package record

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/lock"
)

// Manager is the subset of *datamanager.Manager a Record needs,
// kept here (rather than imported) to avoid a dependency cycle
// between pkg/record and pkg/datamanager.
type Manager interface {
	GetField(rec *Record, name string) (any, error)
	SetField(rec *Record, name string, value any) error
	Unbind(rec *Record) (map[string]any, error)
	AllocateLock(rec *Record) *lock.Lock
}

// Record is one Data Record: a GID, a kind, and a set of fields, some
// of which are persisted through a Manager once bound.
type Record struct {
	mu sync.RWMutex

	gid         gid.GID
	kind        string
	storeFields map[string]bool
	manager     Manager
	fields      map[string]any
}

// New creates a fresh, unbound record of kind with initial field
// values, assigning it a new GID.
func New(kind string, fields map[string]any) (*Record, error) {
	schema, ok := lookupSchema(kind)
	if !ok {
		return nil, fmt.Errorf("record: %w: %q", ErrUnknownKind, kind)
	}
	local := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		local[f.Name] = nil
	}
	for k, v := range fields {
		local[k] = v
	}
	return &Record{
		gid:         gid.New(),
		kind:        kind,
		storeFields: storeFieldSet(schema),
		fields:      local,
	}, nil
}

// Rehydrate reconstructs a Record already known to manager at id,
// without re-running its constructor — used when a reference is
// resolved and no live instance exists yet in the identity cache.
func Rehydrate(kind string, id gid.GID, manager Manager) (*Record, error) {
	schema, ok := lookupSchema(kind)
	if !ok {
		return nil, fmt.Errorf("record: %w: %q", ErrUnknownKind, kind)
	}
	return &Record{
		gid:         id,
		kind:        kind,
		storeFields: storeFieldSet(schema),
		manager:     manager,
		fields:      map[string]any{},
	}, nil
}

// GID returns the record's identifier.
func (r *Record) GID() gid.GID { return r.gid }

// Kind returns the record's schema kind.
func (r *Record) Kind() string { return r.kind }

// RefGID implements codec.Record.
func (r *Record) RefGID() gid.GID { return r.gid }

// RefKind implements codec.Record.
func (r *Record) RefKind() string { return r.kind }

// StoreFieldNames returns the record's non-transient field names, the
// ones a Data Manager persists on Bind/SetField.
func (r *Record) StoreFieldNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.storeFields))
	for name := range r.storeFields {
		names = append(names, name)
	}
	return names
}

// Manager returns the manager this record is currently bound to, or
// nil.
func (r *Record) Manager() Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manager
}

// Bind attaches the record to m. It fails with ErrAlreadyBound if the
// record already belongs to a manager.
func (r *Record) Bind(m Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manager != nil {
		return ErrAlreadyBound
	}
	r.manager = m
	return nil
}

// Get reads a field. Bound store fields are read through the manager;
// everything else reads the record's local cache.
func (r *Record) Get(name string) (any, error) {
	r.mu.RLock()
	manager := r.manager
	isStore := r.storeFields[name]
	r.mu.RUnlock()

	if manager != nil && isStore {
		return manager.GetField(r, name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.fields[name]
	if !ok {
		return nil, fmt.Errorf("record: %w: %q", ErrUnknownField, name)
	}
	return v, nil
}

// Set writes a field. The local cache is always updated; bound store
// fields are additionally persisted through the manager, matching the
// source's unconditional super().__setattr__ followed by a
// conditional manager notification.
func (r *Record) Set(name string, value any) error {
	r.mu.Lock()
	if r.fields == nil {
		r.fields = map[string]any{}
	}
	r.fields[name] = value
	manager := r.manager
	isStore := r.storeFields[name]
	r.mu.Unlock()

	if manager != nil && isStore {
		return manager.SetField(r, name, value)
	}
	return nil
}

// WithLock runs fn while holding the record's DataLock, if bound; an
// unbound record runs fn unguarded, matching the source's __enter__
// trivially succeeding with no manager.
func (r *Record) WithLock(ctx context.Context, fn func() error) error {
	r.mu.RLock()
	manager := r.manager
	r.mu.RUnlock()

	if manager == nil {
		return fn()
	}

	l := manager.AllocateLock(r)
	if _, err := l.Acquire(ctx, true); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// Unbind detaches the record from its manager, snapshotting its
// current store-field values into the local cache so subsequent Get
// calls still succeed. It fails with ErrUnboundAccess if the record
// is not currently bound.
func (r *Record) Unbind() error {
	r.mu.RLock()
	manager := r.manager
	r.mu.RUnlock()

	if manager == nil {
		return ErrUnboundAccess
	}

	snapshot, err := manager.Unbind(r)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for k, v := range snapshot {
		r.fields[k] = v
	}
	r.manager = nil
	r.mu.Unlock()
	return nil
}

// Clone produces an unbound deep copy of the record with a fresh GID.
func (r *Record) Clone() *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fields := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		fields[k] = v
	}
	storeFields := make(map[string]bool, len(r.storeFields))
	for k, v := range r.storeFields {
		storeFields[k] = v
	}
	return &Record{
		gid:         gid.New(),
		kind:        r.kind,
		storeFields: storeFields,
		fields:      fields,
	}
}
