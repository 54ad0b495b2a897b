package job_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/dossier/pkg/job"
)

func sumInts(args []any, _ map[string]any) (any, error) {
	var total int64
	for _, a := range args {
		n, _ := a.(int64)
		total += n
	}
	return total, nil
}

func failingFunc(args []any, kwargs map[string]any) (any, error) {
	return nil, errors.New("boom")
}

func init() {
	job.Registry.RegisterLeaf("sumInts", sumInts)
	job.Registry.RegisterLeaf("failingFunc", failingFunc)
}

func TestLeafJobRunSuccess(t *testing.T) {
	j, err := job.New("sumInts", []any{int64(2), int64(3)}, nil)
	require.NoError(t, err)

	j.Run()

	require.Equal(t, job.StateDone, j.State())
	out, getErr := j.Record().Get("out")
	require.NoError(t, getErr)
	require.Equal(t, int64(5), out)
}

func TestLeafJobRunFailure(t *testing.T) {
	j, err := job.New("failingFunc", nil, nil)
	require.NoError(t, err)

	j.Run()

	require.Equal(t, job.StateError, j.State())
}

func addJob(x, y int64) (*job.Job, error) {
	return job.New("sumInts", []any{x, y}, nil)
}

func addMany(ctx context.Context, yield func(*job.Job) error, args []any, _ map[string]any) (any, error) {
	xs, _ := args[0].([]any)
	ys, _ := args[1].([]any)
	children := make([]*job.Job, 0, len(xs))
	for i := range xs {
		x, _ := xs[i].(int64)
		y, _ := ys[i].(int64)
		child, err := addJob(x, y)
		if err != nil {
			return nil, err
		}
		if err := yield(child); err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	collector, err := job.New("collectOuts", nil, map[string]any{"children": children})
	if err != nil {
		return nil, err
	}
	return collector, nil
}

// collectOuts stashes []*job.Job directly in kwargs, which is outside
// the codec's Value universe and so only survives the unbound,
// in-process fallback this test exercises (GeneratorJob.Run runs its
// children synchronously when g.rec.Manager() == nil). A generator
// submitted to a JobManager would need to collect GIDs instead and
// resolve them back through the manager.
func collectOuts(_ []any, kwargs map[string]any) (any, error) {
	children, _ := kwargs["children"].([]*job.Job)
	outs := make([]any, 0, len(children))
	for _, c := range children {
		v, err := c.Record().Get("out")
		if err != nil {
			return nil, err
		}
		outs = append(outs, v)
	}
	return outs, nil
}

func init() {
	job.Registry.RegisterGenerator("addMany", addMany)
	job.Registry.RegisterLeaf("collectOuts", collectOuts)
}

func TestGeneratorJobRunsChildrenAndComposesReturn(t *testing.T) {
	xs := []any{int64(1), int64(2), int64(3)}
	ys := []any{int64(5), int64(6), int64(7)}

	g, err := job.NewGenerator("addMany", []any{xs, ys}, nil)
	require.NoError(t, err)

	g.Run(context.Background())

	require.Equal(t, job.StateDone, g.State())
	out, getErr := g.Record().Get("out")
	require.NoError(t, getErr)
	require.Equal(t, []any{int64(6), int64(8), int64(10)}, out)
}
