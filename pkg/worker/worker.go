// Package worker implements the Worker protocol of spec.md §4.8: poll
// a Job Manager for a claimable job, execute it, repeat, grounded on
// zjb/doj/worker.py's Worker.run.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/dossier/pkg/job"
	"github.com/cuemby/dossier/pkg/jobmanager"
	"github.com/cuemby/dossier/pkg/log"
	"github.com/cuemby/dossier/pkg/metrics"
)

// DefaultPollingInterval matches the source's Worker.polling_interval default.
const DefaultPollingInterval = 100 * time.Millisecond

// Worker repeatedly requests and executes jobs from a Job Manager
// until its context is cancelled.
type Worker struct {
	manager         *jobmanager.Manager
	pollingInterval time.Duration
	logger          zerolog.Logger

	idleMu sync.Mutex
	idleCh chan struct{}
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithPollingInterval overrides DefaultPollingInterval.
func WithPollingInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollingInterval = d }
}

// WithLogger overrides the Worker's logger (default: log.WithComponent("worker")).
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New creates a Worker polling manager for claimable jobs.
func New(manager *jobmanager.Manager, opts ...Option) *Worker {
	w := &Worker{
		manager:         manager,
		pollingInterval: DefaultPollingInterval,
		logger:          log.WithComponent("worker"),
		idleCh:          make(chan struct{}),
	}
	close(w.idleCh) // starts idle
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// IdleSignal returns a channel that is closed whenever the worker has
// no claimed job, and replaced with a fresh, open channel while a job
// is running — spec.md §4.8's "exposes an idle/busy signal," letting a
// supervisor select on it to implement a graceful shutdown that waits
// for the in-flight job to finish.
func (w *Worker) IdleSignal() <-chan struct{} {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	return w.idleCh
}

func (w *Worker) setBusy() {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	w.idleCh = make(chan struct{})
}

func (w *Worker) setIdle() {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	close(w.idleCh)
}

// Run polls manager.Request on pollingInterval until it finds a job,
// executes it to completion, and repeats, until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollingInterval)
	defer ticker.Stop()

	for {
		j, err := w.manager.Request()
		metrics.WorkerPollsTotal.Inc()
		if err != nil {
			w.logger.Error().Err(err).Msg("request failed")
		}
		if j == nil {
			metrics.WorkersIdle.Inc()
			select {
			case <-ctx.Done():
				metrics.WorkersIdle.Dec()
				return
			case <-ticker.C:
				metrics.WorkersIdle.Dec()
				continue
			}
		}

		w.setBusy()
		w.execute(ctx, j)
		w.setIdle()

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (w *Worker) execute(ctx context.Context, j *job.Job) {
	funcLabel := jobFuncLabel(j)
	timer := metrics.NewTimer()

	job.Execute(ctx, j)

	timer.ObserveDurationVec(metrics.JobDuration, funcLabel)
	metrics.JobsClaimedTotal.WithLabelValues(funcLabel).Inc()
	if j.State() == job.StateError {
		metrics.JobsFailedTotal.WithLabelValues(funcLabel).Inc()
		w.logger.Warn().Err(j.Err()).Str("gid", j.GID().String()).Str("func", funcLabel).Msg("job failed")
	} else {
		w.logger.Debug().Str("gid", j.GID().String()).Str("func", funcLabel).Msg("job done")
	}
}

func jobFuncLabel(j *job.Job) string {
	v, err := j.Record().Get("func")
	if err != nil {
		return "unknown"
	}
	s, _ := v.(string)
	if s == "" {
		return "unknown"
	}
	return s
}
