package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const dispatchScopeName = "github.com/Iron-Ham/featurepipe/dispatch"

// DispatchMetrics records one span and a set of counters per worker attempt.
type DispatchMetrics struct {
	tracer   trace.Tracer
	attempts metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatchMetrics builds the dispatch instruments from the global providers.
func NewDispatchMetrics() *DispatchMetrics {
	m := Meter(dispatchScopeName)
	attempts, _ := m.Int64Counter("featurepipe.dispatch.attempts",
		metric.WithDescription("Worker process invocations"),
	)
	failures, _ := m.Int64Counter("featurepipe.dispatch.failures",
		metric.WithDescription("Worker invocations that did not succeed"),
	)
	duration, _ := m.Float64Histogram("featurepipe.dispatch.duration",
		metric.WithDescription("Worker invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &DispatchMetrics{
		tracer:   Tracer(dispatchScopeName),
		attempts: attempts,
		failures: failures,
		duration: duration,
	}
}

// StartAttempt opens the span of one attempt.
func (d *DispatchMetrics) StartAttempt(ctx context.Context, step, persona, cli string, attempt int) (context.Context, trace.Span, time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("featurepipe.step", step),
		attribute.String("featurepipe.cli", cli),
		attribute.Int("featurepipe.attempt", attempt),
	}
	if persona != "" {
		attrs = append(attrs, attribute.String("featurepipe.persona", persona))
	}
	ctx, span := d.tracer.Start(ctx, "dispatch.attempt",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	d.attempts.Add(ctx, 1, metric.WithAttributes(attrs[:2]...))
	return ctx, span, time.Now()
}

// EndAttempt records the outcome status of an attempt and closes its span.
func (d *DispatchMetrics) EndAttempt(ctx context.Context, span trace.Span, start time.Time, step, status string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("featurepipe.step", step),
		attribute.String("featurepipe.status", status),
	}
	d.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	span.SetAttributes(attribute.String("featurepipe.status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.failures.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}
