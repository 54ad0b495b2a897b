package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/store"
)

func openBackend(t *testing.T) *store.Backend {
	t.Helper()
	b, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestAcquireNonBlockingMutualExclusion(t *testing.T) {
	b := openBackend(t)
	id := gid.New()

	l1 := DataLock(b, id)
	l2 := DataLock(b, id)

	ok, err := l1.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l2.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, ok, "a second holder must not acquire a contended lock")

	require.NoError(t, l1.Release())

	ok, err = l2.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok, "the lock must become acquirable once released")
}

func TestAcquireIsReentrant(t *testing.T) {
	b := openBackend(t)
	id := gid.New()
	l := DataLock(b, id)

	ok, err := l.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok, "the same Lock reacquiring its own key must succeed")
}

func TestAcquireBlockingWaitsForRelease(t *testing.T) {
	b := openBackend(t)
	id := gid.New()
	l1 := DataLock(b, id)
	l2 := DataLock(b, id)

	ok, err := l1.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan bool, 1)
	go func() {
		acquired, _ := l2.Acquire(context.Background(), true)
		done <- acquired
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l1.Release())

	select {
	case acquired := <-done:
		assert.True(t, acquired)
	case <-time.After(time.Second):
		t.Fatal("blocking Acquire never observed the release")
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	b := openBackend(t)
	id := gid.New()
	l1 := DataLock(b, id)
	l2 := DataLock(b, id)

	ok, err := l1.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ok, err = l2.Acquire(ctx, true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseFreeAndMismatch(t *testing.T) {
	b := openBackend(t)
	id := gid.New()
	l1 := DataLock(b, id)
	l2 := DataLock(b, id)

	err := l1.Release()
	assert.ErrorIs(t, err, ErrUnlockFree)

	ok, err := l1.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	err = l2.Release()
	assert.ErrorIs(t, err, ErrUnlockMismatch)
}

func TestTraitLockDistinctFromDataLock(t *testing.T) {
	b := openBackend(t)
	id := gid.New()

	data := DataLock(b, id)
	trait := TraitLock(b, id, "name")

	ok, err := data.Acquire(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = trait.Acquire(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok, "a trait lock must be independent of the record's data lock")
}
