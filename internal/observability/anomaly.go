package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/kazi/internal/config"
)

// anomalyMinSamples is the minimum number of observations in the window
// before an error-rate verdict is made.
const anomalyMinSamples = 5

// anomalyBuckets is the number of time buckets the sliding window is
// divided into. Coarser buckets trade precision for constant memory.
const anomalyBuckets = 30

// AnomalyDetector flags operations (provision, exec) whose error rate over a
// sliding window exceeds the configured threshold. Detection is advisory: it
// logs a warning and never blocks the operation. Nil-receiver safe.
type AnomalyDetector struct {
	mu     sync.Mutex
	ops    map[string]*opWindow
	window time.Duration
	cfg    *config.AnomalyConfig
	logger *slog.Logger
}

// opWindow is a bucketed sliding window of outcome counts for one operation.
type opWindow struct {
	buckets []outcomeBucket
}

type outcomeBucket struct {
	start    time.Time
	errors   float64
	attempts float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := 5 * time.Minute
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}

	return &AnomalyDetector{
		ops:    make(map[string]*opWindow),
		window: window,
		cfg:    cfg,
		logger: logger,
	}
}

// RecordError records a failed operation and re-evaluates its error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		w = &opWindow{}
		a.ops[operation] = w
	}
	w.observe(now, a.window, failed)

	if failed {
		a.evaluate(operation, w, now)
	}
}

// evaluate logs a warning when the windowed error rate crosses the
// threshold. Called with a.mu held.
func (a *AnomalyDetector) evaluate(operation string, w *opWindow, now time.Time) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	errors, attempts := w.totals(now, a.window)
	if attempts < anomalyMinSamples {
		return
	}

	rate := errors / attempts
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", errors),
			slog.Float64("total", attempts),
		)
	}
}

// observe adds one outcome to the bucket covering now, expiring old buckets.
func (w *opWindow) observe(now time.Time, window time.Duration, failed bool) {
	w.expire(now, window)

	span := window / anomalyBuckets
	if len(w.buckets) == 0 || now.Sub(w.buckets[len(w.buckets)-1].start) >= span {
		w.buckets = append(w.buckets, outcomeBucket{start: now})
	}

	b := &w.buckets[len(w.buckets)-1]
	b.attempts++
	if failed {
		b.errors++
	}
}

// totals sums errors and attempts across live buckets.
func (w *opWindow) totals(now time.Time, window time.Duration) (errors, attempts float64) {
	w.expire(now, window)
	for _, b := range w.buckets {
		errors += b.errors
		attempts += b.attempts
	}
	return errors, attempts
}

// expire drops buckets that start before the window cutoff.
func (w *opWindow) expire(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.buckets) && w.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.buckets = w.buckets[i:]
	}
}
