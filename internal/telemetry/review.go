package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const reviewScopeName = "github.com/Iron-Ham/featurepipe/review"

// ReviewMetrics records one span per review iteration and counts the issues
// each iteration reports.
type ReviewMetrics struct {
	tracer     trace.Tracer
	iterations metric.Int64Counter
	issues     metric.Int64Counter
}

// NewReviewMetrics builds the review instruments from the global providers.
func NewReviewMetrics() *ReviewMetrics {
	m := Meter(reviewScopeName)
	iterations, _ := m.Int64Counter("featurepipe.review.iterations",
		metric.WithDescription("Review iterations run"),
	)
	issues, _ := m.Int64Counter("featurepipe.review.issues",
		metric.WithDescription("Merged review issues by severity"),
	)
	return &ReviewMetrics{
		tracer:     Tracer(reviewScopeName),
		iterations: iterations,
		issues:     issues,
	}
}

// StartIteration opens the span of one review iteration.
func (r *ReviewMetrics) StartIteration(ctx context.Context, step string, iteration int) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("featurepipe.step", step),
		attribute.Int("featurepipe.review.iteration", iteration),
	}
	r.iterations.Add(ctx, 1, metric.WithAttributes(attrs[0]))
	return r.tracer.Start(ctx, "review.iteration", trace.WithAttributes(attrs...))
}

// EndIteration records the merged issue counts and closes the span.
func (r *ReviewMetrics) EndIteration(ctx context.Context, span trace.Span, step string, counts map[string]int, converged bool, err error) {
	for severity, n := range counts {
		if n == 0 {
			continue
		}
		r.issues.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("featurepipe.step", step),
			attribute.String("featurepipe.review.severity", severity),
		))
	}
	span.SetAttributes(attribute.Bool("featurepipe.review.converged", converged))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
