package jobmanager_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dossier/pkg/job"
	"github.com/cuemby/dossier/pkg/jobmanager"
	"github.com/cuemby/dossier/pkg/store"
)

func add(args []any, _ map[string]any) (any, error) {
	x, _ := args[0].(int64)
	y, _ := args[1].(int64)
	return x + y, nil
}

func init() {
	job.Registry.RegisterLeaf("jmAdd", add)
}

func openManager(t *testing.T) *jobmanager.Manager {
	t.Helper()
	backend, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return jobmanager.New(backend)
}

func TestBindRequiresNewState(t *testing.T) {
	m := openManager(t)
	j, err := job.New("jmAdd", []any{int64(1), int64(2)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))

	other, err := job.New("jmAdd", []any{int64(3), int64(4)}, nil)
	require.NoError(t, err)
	require.NoError(t, other.Record().Set("state", int64(job.StateRunning)))
	require.ErrorIs(t, m.Bind(other.Record()), jobmanager.ErrInvalidJobState)
}

func TestBindTransitionsToPending(t *testing.T) {
	m := openManager(t)
	j, err := job.New("jmAdd", []any{int64(1), int64(2)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))
	require.Equal(t, job.StatePending, j.State())
}

func TestRequestClaimsPendingJobExactlyOnce(t *testing.T) {
	m := openManager(t)
	j, err := job.New("jmAdd", []any{int64(2), int64(3)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))

	const workers = 8
	claims := make([]*job.Job, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			claimed, err := m.Request()
			require.NoError(t, err)
			claims[i] = claimed
		}(i)
	}
	wg.Wait()

	var found int
	for _, c := range claims {
		if c != nil {
			found++
			require.Equal(t, j.GID(), c.GID())
		}
	}
	require.Equal(t, 1, found, "exactly one worker should claim the job")

	claimed, err := m.Request()
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestRequestSkipsNonPendingJobs(t *testing.T) {
	m := openManager(t)
	j, err := job.New("jmAdd", []any{int64(1), int64(1)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))

	claimed, err := m.Request()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.StateRunning, claimed.State())

	claimed.Run()
	require.Equal(t, job.StateDone, claimed.State())

	next, err := m.Request()
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestJobIterSkipsNonJobRecords(t *testing.T) {
	m := openManager(t)
	j, err := job.New("jmAdd", []any{int64(1), int64(2)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))

	it, err := m.JobIter()
	require.NoError(t, err)
	defer it.Close()

	var seen int
	for it.Next() {
		seen++
		require.Equal(t, j.GID(), it.Record().GID())
	}
	require.Equal(t, 1, seen)
}
