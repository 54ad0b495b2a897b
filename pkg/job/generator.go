package job

import (
	"context"
	"fmt"

	"github.com/cuemby/dossier/pkg/record"
)

// GeneratorJob yields child Jobs and composes a final return value
// from them, grounded on zjb/doj/job.py's GeneratorJob.
type GeneratorJob struct {
	*Job
}

// NewGenerator constructs an unbound, NEW GeneratorJob calling the
// named generator function in job.Registry.
func NewGenerator(funcName string, args []any, kwargs map[string]any) (*GeneratorJob, error) {
	rec, err := record.New("GeneratorJob", map[string]any{
		"func":   funcName,
		"args":   args,
		"kwargs": kwargs,
		"state":  int64(StateNew),
	})
	if err != nil {
		return nil, err
	}
	return &GeneratorJob{Job: &Job{rec: rec}}, nil
}

// WrapGenerator adapts an existing *record.Record of kind
// "GeneratorJob" into a GeneratorJob.
func WrapGenerator(rec *record.Record) *GeneratorJob {
	return &GeneratorJob{Job: &Job{rec: rec}}
}

func (g *GeneratorJob) childrenList() []*Job {
	v, err := g.rec.Get("children")
	if err != nil {
		return nil
	}
	raw, _ := v.([]any)
	out := make([]*Job, 0, len(raw))
	for _, e := range raw {
		if rec, ok := e.(*record.Record); ok {
			out = append(out, &Job{rec: rec})
		}
	}
	return out
}

func (g *GeneratorJob) returnJob() *Job {
	v, err := g.rec.Get("returnJob")
	if err != nil || v == nil {
		return nil
	}
	rec, ok := v.(*record.Record)
	if !ok {
		return nil
	}
	return &Job{rec: rec}
}

func (g *GeneratorJob) setReturnJob(child *Job) error {
	return g.rec.Set("returnJob", child.rec)
}

// genResult carries a generator function's terminal outcome back to
// the orchestrating goroutine.
type genResult struct {
	out any
	err error
}

// scheduleChild implements the source's "set child.parent = self,
// append to children (persisted through the Data Manager), transition
// child.state = PENDING" — run once per yielded child, in order.
func (g *GeneratorJob) scheduleChild(child *Job) error {
	if err := child.setParent(g); err != nil {
		return err
	}
	v, _ := g.rec.Get("children")
	list, _ := v.([]any)
	list = append(list, child.rec)
	if err := g.rec.Set("children", list); err != nil {
		return err
	}
	return child.setState(StatePending)
}

// Run executes the generator: calls its registered function in its
// own goroutine, persists each yielded child in order via an
// unbuffered handoff, records the composed return value, then moves
// to WAITING and calls checkAndDone under its DataLock. Run does not
// wait for the children: its own out/err are computed by checkAndDone
// once every child is terminal, either here or from a later child's
// notify. If the job is unbound, children then run synchronously in
// the order they were yielded, matching the source's in-process
// fallback.
func (g *GeneratorJob) Run(ctx context.Context) {
	fn, ok := Registry.Generator(g.funcName())
	if !ok {
		_ = g.setErr(fmt.Errorf("job: no generator function registered for %q", g.funcName()))
		_ = g.setState(StateError)
		g.notifyParent()
		return
	}

	args, kwargs := g.argsKwargs()
	yieldCh := make(chan *Job)
	ackCh := make(chan error)
	resultCh := make(chan genResult, 1)

	yield := func(child *Job) error {
		select {
		case yieldCh <- child:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-ackCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		out, err := fn(ctx, yield, args, kwargs)
		resultCh <- genResult{out: out, err: err}
	}()

	var res genResult
loop:
	for {
		select {
		case child := <-yieldCh:
			if g.getState() == StateError {
				ackCh <- fmt.Errorf("job: generator already failed, not scheduling further children")
				continue
			}
			if err := g.scheduleChild(child); err != nil {
				ackCh <- err
				continue
			}
			ackCh <- nil
		case res = <-resultCh:
			break loop
		}
	}

	if res.err != nil {
		_ = g.setErr(res.err)
		_ = g.setState(StateError)
		g.notifyParent()
		return
	}
	if childJob, isJob := res.out.(*Job); isJob {
		_ = g.setReturnJob(childJob)
	} else {
		_ = g.rec.Set("out", res.out)
	}

	_ = g.rec.WithLock(ctx, func() error {
		_ = g.setState(StateWaiting)
		g.checkAndDone()
		return nil
	})

	if g.rec.Manager() == nil {
		for _, child := range g.childrenList() {
			Execute(ctx, child)
		}
	}
}

// notify is called by a child on completion, serialized by the
// parent's DataLock per spec.md §5. A failed child both marks this
// generator ERROR and propagates to its own parent, if any.
func (g *GeneratorJob) notify(child *Job) {
	_ = g.rec.WithLock(context.Background(), func() error {
		if child.getState() == StateError {
			err := &RuntimeError{ChildGID: child.GID(), Cause: child.Err()}
			_ = g.setErr(err)
			_ = g.setState(StateError)
			g.notifyParent()
			return nil
		}
		if g.getState() != StateWaiting {
			return nil
		}
		g.checkAndDone()
		return nil
	})
}

// checkAndDone checks whether every child has reached a terminal
// state and, if so, computes this generator's own outcome from its
// composed return job (if any) and notifies its parent.
func (g *GeneratorJob) checkAndDone() {
	for _, child := range g.childrenList() {
		if !child.Done() {
			return
		}
	}

	ret := g.returnJob()
	if ret == nil {
		_ = g.setState(StateDone)
		g.notifyParent()
		return
	}

	fn, ok := Registry.Leaf(ret.funcName())
	if !ok {
		_ = g.setErr(fmt.Errorf("job: no leaf function registered for %q", ret.funcName()))
		_ = g.setState(StateError)
		g.notifyParent()
		return
	}
	args, kwargs := ret.argsKwargs()
	out, err := fn(args, kwargs)
	if err != nil {
		_ = g.setErr(err)
		_ = g.setState(StateError)
	} else {
		_ = g.rec.Set("out", out)
		_ = g.setState(StateDone)
	}
	g.notifyParent()
}
