package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taxfold/jobqueue/job"
)

const instrumentationName = "github.com/taxfold/jobqueue"

// Metrics records execution counts and durations on the global meter
// provider.
func Metrics() Middleware {
	meter := otel.Meter(instrumentationName)
	processed, _ := meter.Int64Counter("jobqueue.jobs.processed",
		metric.WithDescription("Job executions by type and outcome"),
	)
	duration, _ := meter.Float64Histogram("jobqueue.jobs.duration",
		metric.WithDescription("Job execution duration"),
		metric.WithUnit("s"),
	)

	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) error {
			start := time.Now()
			err := next(ctx, j)

			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			attrs := metric.WithAttributes(
				attribute.String("job.type", string(j.Type)),
				attribute.String("outcome", outcome),
			)
			processed.Add(ctx, 1, attrs)
			duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// Tracing wraps each execution in a span on the global tracer provider.
func Tracing() Middleware {
	tracer := otel.Tracer(instrumentationName)

	return func(next Handler) Handler {
		return func(ctx context.Context, j *job.Job) error {
			ctx, span := tracer.Start(ctx, "jobqueue.execute",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("job.id", j.ID.String()),
					attribute.String("job.type", string(j.Type)),
					attribute.String("job.organization_id", j.OrganizationID),
					attribute.Int("job.attempt", j.RetryCount+1),
				),
			)
			defer span.End()

			err := next(ctx, j)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}
