// Package jobmanager implements the Job Manager of spec.md §4.7: a
// Data Manager that additionally understands Job/GeneratorJob state,
// enforcing the NEW->PENDING submission transition and providing the
// double-checked claim operation workers poll, grounded on
// zjb/doj/job_manager.py.
package jobmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/dossier/pkg/datamanager"
	"github.com/cuemby/dossier/pkg/job"
	"github.com/cuemby/dossier/pkg/record"
	"github.com/cuemby/dossier/pkg/store"
)

// ErrInvalidJobState is returned by Bind when the job being submitted
// is not in job.StateNew.
var ErrInvalidJobState = errors.New("jobmanager: cannot bind a non-NEW job")

func isJobKind(kind string) bool {
	return kind == "Job" || kind == "GeneratorJob"
}

// Manager layers job submission and claiming on top of a
// *datamanager.Manager.
type Manager struct {
	*datamanager.Manager
}

// New creates a Manager over backend.
func New(backend *store.Backend, opts ...datamanager.Option) *Manager {
	return &Manager{Manager: datamanager.New(backend, opts...)}
}

// Bind submits rec. If rec is a Job or GeneratorJob, it must be in
// job.StateNew; after the underlying Data Manager bind, its state is
// transitioned to PENDING under its own DataLock, making it eligible
// for Request().
func (m *Manager) Bind(rec *record.Record) error {
	if isJobKind(rec.Kind()) {
		j := job.Wrap(rec)
		if j.State() != job.StateNew {
			return fmt.Errorf("%w: %s is %s", ErrInvalidJobState, rec.GID(), j.State())
		}
	}

	if err := m.Manager.Bind(rec); err != nil {
		return err
	}

	if isJobKind(rec.Kind()) {
		return rec.WithLock(context.Background(), func() error {
			return rec.Set("state", int64(job.StatePending))
		})
	}
	return nil
}

// Request claims one PENDING job, transitioning it to RUNNING under
// its DataLock with a double-check against a stale read (spec.md
// §4.7: "re-check state == PENDING under lock before claiming"). It
// returns nil if no claimable job currently exists.
//
// The scan and the claim are deliberately two passes: candidates are
// collected and the iterator's backend read transaction is closed
// before any claim is attempted, so a claim's Write (which may grow
// or reopen the backend) never runs while this goroutine's own
// iterator still holds data.db open.
func (m *Manager) Request() (*job.Job, error) {
	it, err := m.JobIter()
	if err != nil {
		return nil, err
	}

	var candidates []*job.Job
	for it.Next() {
		j := job.Wrap(it.Record())
		if j.State() == job.StatePending {
			candidates = append(candidates, j)
		}
	}
	if err := it.Close(); err != nil {
		return nil, err
	}

	for _, j := range candidates {
		claimed, err := m.claim(j)
		if err != nil {
			return nil, err
		}
		if claimed {
			return j, nil
		}
	}
	return nil, nil
}

func (m *Manager) claim(j *job.Job) (bool, error) {
	var claimed bool
	err := j.Record().WithLock(context.Background(), func() error {
		if j.State() != job.StatePending {
			return nil
		}
		if err := j.Record().Set("state", int64(job.StateRunning)); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// JobIter iterates over every Job/GeneratorJob record known to the
// backend, in GID (creation) order.
func (m *Manager) JobIter() (*Iterator, error) {
	recIt, err := m.Manager.Iter()
	if err != nil {
		return nil, err
	}
	return &Iterator{inner: recIt}, nil
}

// Iterator restricts a datamanager.RecordIterator to Job-kind records.
type Iterator struct {
	inner *datamanager.RecordIterator
	rec   *record.Record
}

// Next advances to the next Job/GeneratorJob record, if any.
func (it *Iterator) Next() bool {
	for it.inner.Next() {
		rec, err := it.inner.Record()
		if err != nil {
			continue
		}
		if isJobKind(rec.Kind()) {
			it.rec = rec
			return true
		}
	}
	return false
}

// Record returns the record Next just advanced to.
func (it *Iterator) Record() *record.Record { return it.rec }

// Close releases the iterator's underlying backend transaction.
func (it *Iterator) Close() error { return it.inner.Close() }
