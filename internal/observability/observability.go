// Package observability provides Prometheus metrics, OpenTelemetry tracing,
// health checks, and anomaly detection for Kazi. Every component is optional:
// a nil collector, tracer, or detector means that signal is disabled and the
// instrumented paths skip recording with a single nil check.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/config"
)

// Observability bundles the enabled components. Any field may be nil.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker
}

// New assembles observability from config. A nil config disables everything
// and returns nil, which all consumers tolerate.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}

	// The health checker always exists so /readyz works even with metrics
	// and tracing off; probes are registered later during startup.
	obs := &Observability{Health: NewHealthChecker(logger)}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Metrics = NewMetricsCollector()
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		obs.Anomaly = NewAnomalyDetector(cfg.Anomaly, logger)
	}

	return obs, nil
}

// Shutdown flushes and releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}

// TracerOrNil returns the tracer setup, tolerating a nil receiver so
// wrapper constructors can take it straight off a possibly-nil facade.
func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}
