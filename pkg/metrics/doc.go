/*
Package metrics defines and registers dossier's Prometheus metrics and
its HTTP health/readiness/liveness handlers.

All metrics are package-level prometheus.Collectors registered at
init() via prometheus.MustRegister, exposed by Handler() for scraping:

	http.Handle("/metrics", metrics.Handler())

# Catalog

Data Manager: Binds, Commits, CommitLatency, UnmanagedClosure (size of
the transitive unbound-record closure pulled in by a single commit).

KV Backend: BackendMapSizeBytes, BackendGrowthsTotal,
BackendStaleViewsTotal.

Advisory lock: LockContention (by kind: INDEX/TRAIT/LOCK), LockWaitDuration.

The KV Backend and advisory lock metrics are registered but no call
site in this module updates them; they stay at their zero values.

Job / Worker: JobsClaimedTotal, JobsFailedTotal, JobDuration (all by
job func name), WorkerPollsTotal, WorkersIdle.

# Timer

Timer is a small stopwatch helper:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.JobDuration, funcName)

# Health

HealthChecker tracks named component health (RegisterComponent,
UpdateComponent) independently of the Prometheus metrics above.
HealthHandler/ReadyHandler/LivenessHandler expose it over HTTP for
container orchestrator probes; GetReadiness treats "backend" (the KV
Backend having opened successfully) as the one critical component a
dossier process cannot run without.
*/
package metrics
