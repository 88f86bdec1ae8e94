package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Gateway ─────────────────────────────────────────────────────────────────

	GatewaySubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "gateway",
		Name:      "submissions_total",
		Help:      "Specifications received, labelled by admission disposition.",
	}, []string{"disposition"})

	GatewayRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "gateway",
		Name:      "rate_limited_total",
		Help:      "Submissions rejected by the per-submitter rate limiter.",
	})

	GatewayCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "gateway",
		Name:      "cache_hits_total",
		Help:      "Status/result lookups answered from Redis vs. Postgres.",
	}, []string{"source"})

	// ─── Coordinator ─────────────────────────────────────────────────────────────

	CoordinatorDispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "dispatches_total",
		Help:      "Backend submissions, labelled by backend and outcome.",
	}, []string{"backend", "outcome"})

	CoordinatorTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "tasks_inflight",
		Help:      "Tasks currently submitted to a backend and awaiting a poll result.",
	})

	CoordinatorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "retries_total",
		Help:      "Failed attempts requeued for another try.",
	}, []string{"backend"})

	CoordinatorReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "reconciliations_total",
		Help:      "Terminal outcomes reconciled, labelled by verdict (committed, duplicate, discarded).",
	}, []string{"verdict"})

	CoordinatorReconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "reconcile_duration_seconds",
		Help:      "Time from receiving an outcome to its durable commit.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
	})

	CoordinatorStaleLeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "coordinator",
		Name:      "stale_leases_reaped_total",
		Help:      "Submitted tasks returned to the queue after their lease expired.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerComputationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcflow",
		Subsystem: "worker",
		Name:      "computations_total",
		Help:      "Computations executed, labelled by program and terminal status.",
	}, []string{"program", "status"})

	WorkerComputationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qcflow",
		Subsystem: "worker",
		Name:      "computation_duration_seconds",
		Help:      "Wall time of a single computation.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"program"})

	WorkerComputationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcflow",
		Subsystem: "worker",
		Name:      "computations_inflight",
		Help:      "Computations currently executing.",
	})
)
