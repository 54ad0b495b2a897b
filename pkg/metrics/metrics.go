package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Data Manager metrics
	Binds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_binds_total",
			Help: "Total number of records bound to a manager",
		},
	)

	Commits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_commits_total",
			Help: "Total number of atomic backend write transactions",
		},
	)

	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_commit_latency_seconds",
			Help:    "Time taken to commit a package of records to the backend",
			Buckets: prometheus.DefBuckets,
		},
	)

	UnmanagedClosure = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_unmanaged_closure_size",
			Help:    "Number of previously-unmanaged records pulled in by a single Bind/SetField",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	// KV Backend metrics
	BackendMapSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_backend_map_size_bytes",
			Help: "Current granted logical capacity of the data.db backend",
		},
	)

	BackendGrowthsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_backend_growths_total",
			Help: "Total number of times the backend grew its logical capacity",
		},
	)

	BackendStaleViewsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_backend_stale_views_total",
			Help: "Total number of times a data.db handle was detected stale and reopened",
		},
	)

	// Advisory lock metrics
	LockContention = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_lock_contention_total",
			Help: "Total number of non-blocking lock attempts that failed due to contention",
		},
		[]string{"kind"},
	)

	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dossier_lock_wait_duration_seconds",
			Help:    "Time spent blocked waiting to acquire an advisory lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job / Worker metrics
	JobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_jobs_claimed_total",
			Help: "Total number of jobs claimed by a worker, by job function name",
		},
		[]string{"func"},
	)

	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dossier_jobs_failed_total",
			Help: "Total number of jobs that ended in the ERROR state, by job function name",
		},
		[]string{"func"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dossier_job_duration_seconds",
			Help:    "Time taken to run a job from RUNNING to a terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"func"},
	)

	WorkerPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dossier_worker_polls_total",
			Help: "Total number of Request() polls issued by workers",
		},
	)

	WorkersIdle = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dossier_workers_idle",
			Help: "Number of workers currently idle (no claimed job)",
		},
	)
)

func init() {
	prometheus.MustRegister(Binds)
	prometheus.MustRegister(Commits)
	prometheus.MustRegister(CommitLatency)
	prometheus.MustRegister(UnmanagedClosure)

	prometheus.MustRegister(BackendMapSizeBytes)
	prometheus.MustRegister(BackendGrowthsTotal)
	prometheus.MustRegister(BackendStaleViewsTotal)

	prometheus.MustRegister(LockContention)
	prometheus.MustRegister(LockWaitDuration)

	prometheus.MustRegister(JobsClaimedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(WorkerPollsTotal)
	prometheus.MustRegister(WorkersIdle)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
