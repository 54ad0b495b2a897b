package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dossier/pkg/job"
	"github.com/cuemby/dossier/pkg/jobmanager"
	"github.com/cuemby/dossier/pkg/store"
	"github.com/cuemby/dossier/pkg/worker"
)

func multiply(args []any, _ map[string]any) (any, error) {
	x, _ := args[0].(int64)
	y, _ := args[1].(int64)
	return x * y, nil
}

func init() {
	job.Registry.RegisterLeaf("workerMultiply", multiply)
}

func TestWorkerClaimsAndExecutesJob(t *testing.T) {
	backend, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	m := jobmanager.New(backend)
	j, err := job.New("workerMultiply", []any{int64(6), int64(7)}, nil)
	require.NoError(t, err)
	require.NoError(t, m.Bind(j.Record()))

	w := worker.New(m, worker.WithPollingInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return j.State() == job.StateDone
	}, time.Second, 5*time.Millisecond)

	out, err := j.Record().Get("out")
	require.NoError(t, err)
	require.Equal(t, int64(42), out)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerIdleSignalClosedWithNoWork(t *testing.T) {
	backend, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	m := jobmanager.New(backend)
	w := worker.New(m, worker.WithPollingInterval(5*time.Millisecond))

	select {
	case <-w.IdleSignal():
	default:
		t.Fatal("worker should start idle")
	}
}
