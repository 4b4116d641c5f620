package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Kazi.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Pool metrics.
	UnitsProvisionedTotal prometheus.Counter
	UnitsDestroyedTotal   *prometheus.CounterVec
	ProvisionRetriesTotal prometheus.Counter
	PoolExhaustedTotal    *prometheus.CounterVec
	UnitsBorrowed         prometheus.Gauge
	UnitsIdle             prometheus.Gauge

	// Dispatch metrics.
	DispatchesTotal  *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Session metrics.
	SessionsTotal  prometheus.Counter
	ActiveSessions prometheus.Gauge

	// Rate limit metrics.
	RateLimitedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		UnitsProvisionedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "units_provisioned_total",
			Help:      "Total isolation units provisioned.",
		}),

		UnitsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "units_destroyed_total",
			Help:      "Total isolation units destroyed, by reason.",
		}, []string{"reason"}),

		ProvisionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "provision_retries_total",
			Help:      "Total failed provisioning attempts that were retried.",
		}),

		PoolExhaustedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Total acquires rejected for lack of capacity, by scope.",
		}, []string{"scope"}),

		UnitsBorrowed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "units_borrowed",
			Help:      "Isolation units currently borrowed.",
		}),

		UnitsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "pool",
			Name:      "units_idle",
			Help:      "Warm isolation units currently idle.",
		}),

		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Total task dispatches, by tool kind and terminal status.",
		}, []string{"tool", "status"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "dispatch",
			Name:      "task_duration_seconds",
			Help:      "Task dispatch duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently active.",
		}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "ratelimit",
			Name:      "rejected_total",
			Help:      "Total requests rejected by the rate limiter.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kazi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kazi",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.UnitsProvisionedTotal,
		m.UnitsDestroyedTotal,
		m.ProvisionRetriesTotal,
		m.PoolExhaustedTotal,
		m.UnitsBorrowed,
		m.UnitsIdle,
		m.DispatchesTotal,
		m.DispatchDuration,
		m.SessionsTotal,
		m.ActiveSessions,
		m.RateLimitedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
