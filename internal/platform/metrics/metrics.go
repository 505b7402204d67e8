package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	PhaseTransitions  *prometheus.CounterVec
	StatusRefreshes   prometheus.Counter
	StatusCooldownHit prometheus.Counter
	CallbackFailures  *prometheus.CounterVec
	ResourceLoads     *prometheus.CounterVec
	DemoFallbacks     prometheus.Counter
	SyncRuns          *prometheus.CounterVec
	SyncDuration      prometheus.Histogram
	EndpointLatency   *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		PhaseTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "xerolink_phase_transitions_total",
			Help: "Connection state machine transitions, labeled by target phase",
		}, []string{"phase"}),
		StatusRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xerolink_status_refreshes_total",
			Help: "Status refreshes executed against the provider",
		}),
		StatusCooldownHit: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xerolink_status_cooldown_dropped_total",
			Help: "Status refreshes silently dropped by the cooldown guard",
		}),
		CallbackFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "xerolink_callback_failures_total",
			Help: "OAuth callback failures, labeled by error code",
		}, []string{"code"}),
		ResourceLoads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "xerolink_resource_loads_total",
			Help: "Per-resource load attempts, labeled by resource type and outcome (ok, demo, error)",
		}, []string{"resource", "outcome"}),
		DemoFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "xerolink_demo_fallbacks_total",
			Help: "Demo dataset fallback fetches triggered by authorization failures",
		}),
		SyncRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "xerolink_sync_runs_total",
			Help: "Full sync runs, labeled by result (ok, partial, error, skipped)",
		}, []string{"result"}),
		SyncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "xerolink_sync_duration_seconds",
			Help:    "Wall time of full sync runs in seconds",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
		}),
		EndpointLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xerolink_endpoint_latency_seconds",
			Help:    "Latency of endpoints in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}
