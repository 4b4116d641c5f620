package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware instruments every HTTP request with a span, an
// in-flight gauge, and per-route counters/latency histograms. Either
// argument may be nil; the corresponding signal is skipped.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()

			if tracer != nil {
				_, span := tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
					))
				defer span.End()
			}

			if metrics == nil {
				return next(c)
			}

			metrics.ActiveRequests.Inc()
			defer metrics.ActiveRequests.Dec()
			start := time.Now()

			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				// okapi leaves the recorder untouched when the handler
				// wrote nothing explicit.
				code = http.StatusOK
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(code)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
