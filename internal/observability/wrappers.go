package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/sandbox"
)

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a sandbox.Backend with tracing and anomaly
// detection. Every provisioned environment is wrapped as well, so each
// exec carries a span and feeds the error-rate windows.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

var _ sandbox.Backend = (*InstrumentedBackend)(nil)

func (b *InstrumentedBackend) Provision(ctx context.Context, spec sandbox.Spec) (sandbox.Environment, error) {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "sandbox.provision",
			trace.WithAttributes(
				attribute.String("sandbox.name", spec.Name),
			))
		defer span.End()
	}

	env, err := b.inner.Provision(ctx, spec)
	if err != nil {
		if b.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		b.anomaly.RecordError("provision")
		return nil, err
	}
	b.anomaly.RecordSuccess("provision")

	return &instrumentedEnv{
		inner:   env,
		tracer:  b.tracer,
		anomaly: b.anomaly,
	}, nil
}

type instrumentedEnv struct {
	inner   sandbox.Environment
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

var _ sandbox.Environment = (*instrumentedEnv)(nil)

func (e *instrumentedEnv) ID() string { return e.inner.ID() }

func (e *instrumentedEnv) Exec(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.exec",
			trace.WithAttributes(
				attribute.String("sandbox.name", e.inner.ID()),
			))
		defer span.End()
	}

	result, err := e.inner.Exec(ctx, req)
	if err != nil {
		if e.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.anomaly.RecordError("exec")
		return nil, err
	}
	e.anomaly.RecordSuccess("exec")

	if e.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(attribute.Int("sandbox.exit_code", result.ExitCode))
	}
	return result, nil
}

func (e *instrumentedEnv) Healthy(ctx context.Context) error {
	return e.inner.Healthy(ctx)
}

func (e *instrumentedEnv) Teardown(ctx context.Context) error {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "sandbox.teardown",
			trace.WithAttributes(
				attribute.String("sandbox.name", e.inner.ID()),
			))
		defer span.End()
	}
	return e.inner.Teardown(ctx)
}
