package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests tracks upstream calls by classified outcome
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_upstream_requests_total",
			Help: "Total number of upstream calls",
		},
		[]string{"outcome"},
	)

	// UpstreamLatency tracks upstream call latency up to response headers
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyproxy_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// RouteResults tracks how routed requests ended
	RouteResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_route_results_total",
			Help: "Total number of routed requests by result",
		},
		[]string{"result"},
	)

	// RouteAttempts tracks upstream attempts spent per routed request
	RouteAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keyproxy_route_attempts",
			Help:    "Upstream attempts per routed request",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	// CredentialTransitions tracks credential status changes
	CredentialTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_credential_transitions_total",
			Help: "Total number of credential status transitions",
		},
		[]string{"from", "to"},
	)

	// PoolCredentials tracks credentials per status as of the last listing
	PoolCredentials = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyproxy_pool_credentials",
			Help: "Number of credentials per status",
		},
		[]string{"status"},
	)

	// LockContention tracks lost races for a selected credential
	LockContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyproxy_lock_contention_total",
			Help: "Total number of lost credential lock races",
		},
	)

	// AdaptiveTimeout tracks the current per-attempt timeout
	AdaptiveTimeout = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyproxy_adaptive_timeout_seconds",
			Help: "Current per-attempt upstream timeout in seconds",
		},
	)

	// JobsProcessed tracks finished async jobs
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_jobs_processed_total",
			Help: "Total number of processed async jobs",
		},
		[]string{"status"},
	)

	// SweepActions tracks credentials changed by maintenance sweeps
	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyproxy_sweep_actions_total",
			Help: "Total number of credentials changed by maintenance sweeps",
		},
		[]string{"action"},
	)
)
