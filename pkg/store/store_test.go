package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestWriteAndGet(t *testing.T) {
	b := openTestBackend(t)

	err := b.Write([]Item{
		{Namespace: Index, Key: []byte("a"), Value: []byte("1")},
		{Namespace: Trait, Key: []byte("b"), Value: []byte("2")},
	})
	require.NoError(t, err)

	v, ok, err := b.Get(Index, []byte("a"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	_, ok, err = b.Get(Index, []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok, "trait-namespace key must not leak into index")
}

func TestGetMissingKey(t *testing.T) {
	b := openTestBackend(t)
	_, ok, err := b.Get(Index, []byte("nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Write([]Item{
		{Namespace: Index, Key: []byte("rec:1:field"), Value: []byte("x")},
		{Namespace: Index, Key: []byte("rec:1:other"), Value: []byte("y")},
		{Namespace: Index, Key: []byte("rec:2:field"), Value: []byte("z")},
	}))

	require.NoError(t, b.DeletePrefix(Index, []byte("rec:1:")))

	_, ok, _ := b.Get(Index, []byte("rec:1:field"))
	assert.False(t, ok)
	_, ok, _ = b.Get(Index, []byte("rec:1:other"))
	assert.False(t, ok)
	_, ok, _ = b.Get(Index, []byte("rec:2:field"))
	assert.True(t, ok)
}

func TestIterIsKeyOrderedAndRestartable(t *testing.T) {
	b := openTestBackend(t)
	require.NoError(t, b.Write([]Item{
		{Namespace: Index, Key: []byte("c"), Value: []byte("3")},
		{Namespace: Index, Key: []byte("a"), Value: []byte("1")},
		{Namespace: Index, Key: []byte("b"), Value: []byte("2")},
	}))

	collect := func() []string {
		it, err := b.Iter(Index)
		require.NoError(t, err)
		defer it.Close()
		var keys []string
		for it.Next() {
			keys = append(keys, string(it.Key()))
		}
		return keys
	}

	assert.Equal(t, []string{"a", "b", "c"}, collect())
	assert.Equal(t, []string{"a", "b", "c"}, collect(), "a fresh Iter call must restart from the beginning")
}

func TestLockTryAndUnlock(t *testing.T) {
	b := openTestBackend(t)
	var secretA, secretB [16]byte
	secretA[0] = 1
	secretB[0] = 2

	ok, err := b.LockTry([]byte("k"), secretA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.LockTry([]byte("k"), secretA)
	require.NoError(t, err)
	assert.True(t, ok, "same secret re-acquires (reentrant)")

	ok, err = b.LockTry([]byte("k"), secretB)
	require.NoError(t, err)
	assert.False(t, ok, "a different secret must not acquire a held lock")

	status, err := b.Unlock([]byte("k"), secretB)
	require.NoError(t, err)
	assert.Equal(t, UnlockMismatch, status)

	status, err = b.Unlock([]byte("k"), secretA)
	require.NoError(t, err)
	assert.Equal(t, UnlockOK, status)

	status, err = b.Unlock([]byte("k"), secretA)
	require.NoError(t, err)
	assert.Equal(t, UnlockFree, status)
}

func TestGrowthPolicy(t *testing.T) {
	assert.Equal(t, defaultInitialMapSize, GrowthPolicy(0))
	assert.Equal(t, uint64(2*defaultInitialMapSize), GrowthPolicy(defaultInitialMapSize))
	assert.Equal(t, giB+2, GrowthPolicy(giB/2+1))
	assert.Equal(t, giB+giB, GrowthPolicy(giB))
}

func TestWriteGrowsBackendWhenNeeded(t *testing.T) {
	b := openTestBackend(t)
	before, err := b.MapSize()
	require.NoError(t, err)

	big := make([]byte, defaultInitialMapSize*2)
	require.NoError(t, b.Write([]Item{{Namespace: Index, Key: []byte("big"), Value: big}}))

	after, err := b.MapSize()
	require.NoError(t, err)
	assert.Greater(t, after, before)

	v, ok, err := b.Get(Index, []byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v, len(big))
}
