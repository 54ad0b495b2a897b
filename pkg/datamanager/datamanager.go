// Package datamanager implements the Data Manager of spec.md §4.5: the
// component that binds records to durable storage, transparently
// pulling in the transitive closure of every unmanaged record reached
// from a bound value graph, and resolving references back into live,
// identity-cached records on read.
package datamanager

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/rs/zerolog"

	"github.com/cuemby/dossier/pkg/codec"
	"github.com/cuemby/dossier/pkg/events"
	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/lock"
	"github.com/cuemby/dossier/pkg/log"
	"github.com/cuemby/dossier/pkg/metrics"
	"github.com/cuemby/dossier/pkg/record"
	"github.com/cuemby/dossier/pkg/store"
)

// ErrMissingField is returned by GetField when a record's store field
// has no entry in the backend — the dangling-reference outcome
// spec.md §9 describes for non-cascading unbind.
var ErrMissingField = errors.New("datamanager: field not found in backend")

func traitKey(id gid.GID, name string) []byte {
	return append(id.Bytes(), []byte(name)...)
}

// Manager is the Data Manager: one backend, one identity cache.
type Manager struct {
	backend *store.Backend
	cache   sync.Map // gid.GID -> weak.Pointer[record.Record]
	logger  zerolog.Logger
	broker  *events.Broker
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger overrides the Manager's logger (default: log.WithComponent("datamanager")).
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBroker attaches an events.Broker; events are purely observational.
func WithBroker(broker *events.Broker) Option {
	return func(m *Manager) { m.broker = broker }
}

// New creates a Manager over backend.
func New(backend *store.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  log.WithComponent("datamanager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// pkgEntry is the Go realization of the source's "Package": the
// backend items one previously-unmanaged record contributes to a
// commit, alongside the live record they were derived from.
type pkgEntry struct {
	rec   *record.Record
	items []store.Item
}

// commitCtx drives one Bind/SetField's commit-closure walk. pkgs maps
// a GID to nil while that record is being walked (cycle guard) and to
// its finished pkgEntry once its items are computed.
type commitCtx struct {
	m    *Manager
	pkgs map[gid.GID]*pkgEntry
}

func (c *commitCtx) PersistentID(r codec.Record) (codec.Ref, error) {
	rec, ok := r.(*record.Record)
	if !ok {
		return codec.Ref{}, fmt.Errorf("datamanager: unexpected record implementation %T", r)
	}
	if mgr := rec.Manager(); mgr != nil && mgr != record.Manager(c.m) {
		return codec.Ref{}, codec.ErrCrossManager
	}
	token := codec.Ref{GID: [gid.Size]byte(rec.GID()), Kind: rec.Kind()}
	if rec.Manager() == nil {
		if err := c.enqueue(rec); err != nil {
			return codec.Ref{}, err
		}
	}
	return token, nil
}

func (c *commitCtx) ResolveRef(r codec.Ref) (any, error) {
	return c.m.ResolveRef(r)
}

// enqueue adds rec's on-disk representation to c.pkgs, recursively
// walking its store fields. Already-present GIDs (including ones
// still mid-walk, guarding cycles) are skipped.
func (c *commitCtx) enqueue(rec *record.Record) error {
	g := rec.GID()
	if _, seen := c.pkgs[g]; seen {
		return nil
	}
	c.pkgs[g] = nil

	items := []store.Item{
		{Namespace: store.Index, Key: g.Bytes(), Value: []byte(rec.Kind())},
	}
	for _, name := range rec.StoreFieldNames() {
		value, err := rec.Get(name)
		if err != nil {
			return err
		}
		encoded, err := codec.Encode(value, c)
		if err != nil {
			return err
		}
		items = append(items, store.Item{Namespace: store.Trait, Key: traitKey(g, name), Value: encoded})
	}

	c.pkgs[g] = &pkgEntry{rec: rec, items: items}
	return nil
}

func flattenItems(pkgs map[gid.GID]*pkgEntry) []store.Item {
	var items []store.Item
	for _, p := range pkgs {
		items = append(items, p.items...)
	}
	return items
}

// Bind persists rec and everything reachable from it that is not
// already managed, then attaches rec (and every newly-discovered
// record) to m. If encoding or the backend write fails, nothing in
// the package is bound — callers may retry.
func (m *Manager) Bind(rec *record.Record) error {
	if rec.Manager() != nil {
		return record.ErrAlreadyBound
	}

	timer := metrics.NewTimer()
	ctx := &commitCtx{m: m, pkgs: map[gid.GID]*pkgEntry{}}
	if err := ctx.enqueue(rec); err != nil {
		return err
	}

	if err := m.backend.Write(flattenItems(ctx.pkgs)); err != nil {
		return fmt.Errorf("datamanager: bind: %w", err)
	}
	timer.ObserveDuration(metrics.CommitLatency)
	metrics.Commits.Inc()
	metrics.UnmanagedClosure.Observe(float64(len(ctx.pkgs)))

	m.bindNewlyDiscovered(ctx.pkgs)

	metrics.Binds.Inc()
	m.logger.Debug().Str("gid", rec.GID().String()).Str("kind", rec.Kind()).Msg("record bound")
	m.publish(events.EventRecordBound, rec.GID(), rec.Kind(), "")
	return nil
}

func (m *Manager) bindNewlyDiscovered(pkgs map[gid.GID]*pkgEntry) {
	for _, p := range pkgs {
		if p.rec.Manager() == nil {
			_ = p.rec.Bind(m)
			m.registerCache(p.rec)
		}
	}
}

func (m *Manager) registerCache(rec *record.Record) {
	g := rec.GID()
	wp := weak.Make(rec)
	m.cache.Store(g, wp)
	runtime.AddCleanup(rec, func(id gid.GID) { m.cache.CompareAndDelete(id, wp) }, g)
}

// GetField implements record.Manager: it reads name's persisted value
// for rec from the backend.
func (m *Manager) GetField(rec *record.Record, name string) (any, error) {
	raw, ok, err := m.backend.Get(store.Trait, traitKey(rec.GID(), name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("datamanager: %w: %q on %s", ErrMissingField, name, rec.GID())
	}
	return codec.Decode(raw, readCtx{m: m})
}

// SetField implements record.Manager: it persists name's new value
// for rec, along with the transitive closure of any newly-discovered
// unmanaged records reached from value.
func (m *Manager) SetField(rec *record.Record, name string, value any) error {
	timer := metrics.NewTimer()
	ctx := &commitCtx{m: m, pkgs: map[gid.GID]*pkgEntry{}}
	encoded, err := codec.Encode(value, ctx)
	if err != nil {
		return err
	}

	items := append([]store.Item{{Namespace: store.Trait, Key: traitKey(rec.GID(), name), Value: encoded}},
		flattenItems(ctx.pkgs)...)
	if err := m.backend.Write(items); err != nil {
		return fmt.Errorf("datamanager: set field: %w", err)
	}
	timer.ObserveDuration(metrics.CommitLatency)
	metrics.Commits.Inc()
	metrics.UnmanagedClosure.Observe(float64(len(ctx.pkgs)))

	m.bindNewlyDiscovered(ctx.pkgs)
	return nil
}

// Unbind implements record.Manager: it removes rec's trait and index
// entries from the backend and returns a snapshot of its last known
// field values for the record to cache locally.
func (m *Manager) Unbind(rec *record.Record) (map[string]any, error) {
	if rec.Manager() != record.Manager(m) {
		return nil, record.ErrUnboundAccess
	}

	snapshot := map[string]any{}
	for _, name := range rec.StoreFieldNames() {
		v, err := m.GetField(rec, name)
		if err != nil {
			return nil, err
		}
		snapshot[name] = v
	}

	if err := m.backend.DeletePrefix(store.Trait, rec.GID().Bytes()); err != nil {
		return nil, err
	}
	if err := m.backend.DeletePrefix(store.Index, rec.GID().Bytes()); err != nil {
		return nil, err
	}
	m.cache.Delete(rec.GID())

	m.logger.Debug().Str("gid", rec.GID().String()).Msg("record unbound")
	m.publish(events.EventRecordUnbound, rec.GID(), rec.Kind(), "")
	return snapshot, nil
}

// AllocateLock implements record.Manager.
func (m *Manager) AllocateLock(rec *record.Record) *lock.Lock {
	return lock.DataLock(m.backend, rec.GID())
}

// readCtx is a codec.Context for read-only decode calls, where no
// PersistentID (encode-time) hook can legitimately run.
type readCtx struct{ m *Manager }

func (r readCtx) PersistentID(codec.Record) (codec.Ref, error) {
	return codec.Ref{}, errors.New("datamanager: cannot encode during a read")
}

func (r readCtx) ResolveRef(ref codec.Ref) (any, error) {
	return r.m.ResolveRef(ref)
}

// ResolveRef resolves a wire reference token back into a live record,
// via the identity cache when possible and Rehydrate otherwise.
func (m *Manager) ResolveRef(ref codec.Ref) (any, error) {
	g, ok := gid.FromBytes(ref.GID[:])
	if !ok {
		return nil, fmt.Errorf("datamanager: malformed reference GID")
	}
	return m.resolve(g, ref.Kind)
}

func (m *Manager) resolve(g gid.GID, kind string) (*record.Record, error) {
	if v, ok := m.cache.Load(g); ok {
		if wp, ok := v.(weak.Pointer[record.Record]); ok {
			if rec := wp.Value(); rec != nil {
				return rec, nil
			}
		}
	}

	rec, err := record.Rehydrate(kind, g, m)
	if err != nil {
		return nil, err
	}
	m.registerCache(rec)
	return rec, nil
}

func (m *Manager) publish(t events.EventType, id gid.GID, kind, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, GID: id.String(), Kind: kind, Message: message})
}
