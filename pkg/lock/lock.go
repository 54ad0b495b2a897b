// Package lock implements the advisory lock protocol of spec.md §4.3:
// key/secret pairs that are reentrant within a process and mutually
// exclusive across processes, backed by store.Backend's atomic
// single-transaction LockTry/Unlock.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/store"
)

// pollInterval matches the original's unconditional sleep loop.
const pollInterval = 10 * time.Millisecond

// ErrUnlockFree is returned by Release when the lock was not held by
// anyone.
var ErrUnlockFree = errors.New("lock: key is not held")

// ErrUnlockMismatch is returned by Release when the lock is held by a
// different secret than this Lock's.
var ErrUnlockMismatch = errors.New("lock: secret does not match holder")

// Lock is one key/secret pair against a backend's lock namespace.
type Lock struct {
	backend *store.Backend
	key     []byte
	secret  [16]byte
	locked  bool
}

// New creates a Lock over key with a freshly generated secret.
func New(backend *store.Backend, key []byte) *Lock {
	return &Lock{backend: backend, key: key, secret: uuid.New()}
}

// DataLock is the lock guarding a record's field storage: key is the
// record's GID.
func DataLock(backend *store.Backend, id gid.GID) *Lock {
	return New(backend, id.Bytes())
}

// TraitLock is the lock guarding a single field of a record: key is
// the record's GID concatenated with the field name.
func TraitLock(backend *store.Backend, id gid.GID, field string) *Lock {
	key := append(id.Bytes(), []byte(field)...)
	return New(backend, key)
}

// Acquire attempts to take the lock. If block is false, it returns
// immediately with (false, nil) on contention. If block is true, it
// polls every 10ms until acquired or ctx is done — the idiomatic-Go
// substitute for an unconditional sleep loop; a lock acquired against
// context.Background() behaves exactly like the original's blocking
// acquire.
func (l *Lock) Acquire(ctx context.Context, block bool) (bool, error) {
	for {
		ok, err := l.backend.LockTry(l.key, l.secret)
		if err != nil {
			return false, err
		}
		if ok {
			l.locked = true
			return true, nil
		}
		if !block {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release gives up the lock. It always consults the backend, whether
// or not this Lock instance believes it holds the key: it returns
// ErrUnlockFree if the key is not held by anyone and ErrUnlockMismatch
// if it is held under a different secret.
func (l *Lock) Release() error {
	status, err := l.backend.Unlock(l.key, l.secret)
	if err != nil {
		return err
	}
	l.locked = false
	switch status {
	case store.UnlockFree:
		return ErrUnlockFree
	case store.UnlockMismatch:
		return ErrUnlockMismatch
	default:
		return nil
	}
}

// Locked reports whether this Lock instance last observed itself as
// holding the key.
func (l *Lock) Locked() bool { return l.locked }
