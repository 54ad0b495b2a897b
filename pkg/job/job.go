// Package job implements the Job and GeneratorJob of spec.md §4.6: a
// leaf unit of deferred work (func + args/kwargs, executed once and
// captured as out/err) and a generator unit that yields child Jobs and
// composes a final return value from them, grounded on
// zjb/doj/job.py's Job/GeneratorJob/notify/_check_and_done.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/dossier/pkg/gid"
	"github.com/cuemby/dossier/pkg/record"
)

// State is a Job's position in its lifecycle (spec.md §4.6's table).
type State int

const (
	StateNew State = iota
	StatePending
	StateRunning
	StateWaiting // GeneratorJob only: children spawned, awaiting completion
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateWaiting:
		return "WAITING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// RuntimeError wraps a child job's failure as observed by its parent's
// notify, per spec.md's JobRuntimeError.
type RuntimeError struct {
	ChildGID gid.GID
	Cause    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("job: error occurred while executing child %s: %v", e.ChildGID, e.Cause)
}

func (e *RuntimeError) Unwrap() error { return e.Cause }

func init() {
	record.Register(record.Schema{
		Kind: "Job",
		Fields: []record.FieldDesc{
			{Name: "func"},
			{Name: "args"},
			{Name: "kwargs"},
			{Name: "out"},
			{Name: "err"},
			{Name: "state"},
			{Name: "parent"},
		},
	})
	record.Register(record.Schema{
		Kind: "GeneratorJob",
		Fields: []record.FieldDesc{
			{Name: "func"},
			{Name: "args"},
			{Name: "kwargs"},
			{Name: "out"},
			{Name: "err"},
			{Name: "state"},
			{Name: "parent"},
			{Name: "children"},
			{Name: "returnJob"},
		},
	})
}

// Job is a leaf unit of work backed by a *record.Record of kind "Job".
type Job struct {
	rec *record.Record
}

// New constructs an unbound, NEW Job calling the named function in
// job.Registry with args/kwargs.
func New(funcName string, args []any, kwargs map[string]any) (*Job, error) {
	rec, err := record.New("Job", map[string]any{
		"func":   funcName,
		"args":   args,
		"kwargs": kwargs,
		"state":  int64(StateNew),
	})
	if err != nil {
		return nil, err
	}
	return &Job{rec: rec}, nil
}

// Wrap adapts an existing *record.Record of kind "Job" (e.g. one
// resolved from a reference) into a Job.
func Wrap(rec *record.Record) *Job { return &Job{rec: rec} }

// Record exposes the underlying record, e.g. for Bind or Get("parent").
func (j *Job) Record() *record.Record { return j.rec }

// GID returns the job's identifier.
func (j *Job) GID() gid.GID { return j.rec.GID() }

func (j *Job) getState() State {
	v, err := j.rec.Get("state")
	if err != nil {
		return StateNew
	}
	n, _ := v.(int64)
	return State(n)
}

func (j *Job) setState(s State) error {
	return j.rec.Set("state", int64(s))
}

// setErr records err's message in the "err" store field. Only a plain
// string is stored — an *errors.errorString or *fmt.wrapError's state
// is all unexported, so the codec's CBOR encoding of the error value
// itself would silently round-trip as an empty object.
func (j *Job) setErr(err error) error {
	if err == nil {
		return j.rec.Set("err", nil)
	}
	return j.rec.Set("err", err.Error())
}

// Err returns the job's recorded failure, or nil if it has none.
func (j *Job) Err() error {
	v, getErr := j.rec.Get("err")
	if getErr != nil || v == nil {
		return nil
	}
	msg, _ := v.(string)
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// State returns the job's current state.
func (j *Job) State() State { return j.getState() }

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	s := j.getState()
	return s == StateDone || s == StateError
}

func (j *Job) funcName() string {
	v, _ := j.rec.Get("func")
	s, _ := v.(string)
	return s
}

func (j *Job) argsKwargs() ([]any, map[string]any) {
	av, _ := j.rec.Get("args")
	args, _ := av.([]any)
	kv, _ := j.rec.Get("kwargs")
	kwargs := map[string]any{}
	switch m := kv.(type) {
	case map[string]any:
		if m != nil {
			kwargs = m
		}
	case map[any]any:
		// A bound job's kwargs decode from the backend with any-typed keys.
		for k, v := range m {
			if s, ok := k.(string); ok {
				kwargs[s] = v
			}
		}
	}
	return args, kwargs
}

func (j *Job) parent() *GeneratorJob {
	v, err := j.rec.Get("parent")
	if err != nil || v == nil {
		return nil
	}
	rec, ok := v.(*record.Record)
	if !ok {
		return nil
	}
	return &GeneratorJob{Job: &Job{rec: rec}}
}

func (j *Job) setParent(parent *GeneratorJob) error {
	return j.rec.Set("parent", parent.rec)
}

// Run executes the leaf job: calls its registered function, captures
// out/err, transitions to DONE or ERROR, and notifies its parent (if
// any) of completion. Matches zjb/doj/job.py's Job.__call__.
func (j *Job) Run() {
	fn, ok := Registry.Leaf(j.funcName())
	if !ok {
		_ = j.setErr(fmt.Errorf("job: no leaf function registered for %q", j.funcName()))
		_ = j.setState(StateError)
		j.notifyParent()
		return
	}

	args, kwargs := j.argsKwargs()
	out, err := fn(args, kwargs)
	if err != nil {
		_ = j.setErr(err)
		_ = j.setState(StateError)
	} else {
		_ = j.rec.Set("out", out)
		_ = j.setState(StateDone)
	}
	j.notifyParent()
}

// Execute runs j, dispatching to GeneratorJob.Run for records of kind
// "GeneratorJob" and to the leaf Job.Run otherwise. Workers and the
// in-process child fallback both call this rather than Job.Run
// directly, since a yielded child may itself be a generator.
func Execute(ctx context.Context, j *Job) {
	if j.rec.Kind() == "GeneratorJob" {
		WrapGenerator(j.rec).Run(ctx)
		return
	}
	j.Run()
}

func (j *Job) notifyParent() {
	if parent := j.parent(); parent != nil {
		parent.notify(j)
	}
}

// LeafFunc is a function a leaf Job may reference by name.
type LeafFunc func(args []any, kwargs map[string]any) (any, error)

// GeneratorFunc is a function a GeneratorJob may reference by name. It
// yields child Jobs via yield and returns either a plain value or
// another Job whose func/args/kwargs compute the final output (the
// source's "return job" idiom).
type GeneratorFunc func(ctx context.Context, yield func(*Job) error, args []any, kwargs map[string]any) (any, error)

// funcRegistry maps names to the functions jobs reference, the Go
// rendering of spec.md's "callable reference or identifier resolvable
// in the worker's process."
type funcRegistry struct {
	mu        sync.RWMutex
	leaves    map[string]LeafFunc
	generators map[string]GeneratorFunc
}

// Registry is the process-wide function registry every worker
// populates at startup before polling for jobs.
var Registry = &funcRegistry{
	leaves:     map[string]LeafFunc{},
	generators: map[string]GeneratorFunc{},
}

// RegisterLeaf makes fn callable by name from a leaf Job.
func (r *funcRegistry) RegisterLeaf(name string, fn LeafFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves[name] = fn
}

// RegisterGenerator makes fn callable by name from a GeneratorJob.
func (r *funcRegistry) RegisterGenerator(name string, fn GeneratorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[name] = fn
}

func (r *funcRegistry) Leaf(name string) (LeafFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.leaves[name]
	return fn, ok
}

func (r *funcRegistry) Generator(name string) (GeneratorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.generators[name]
	return fn, ok
}
