package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "switchyard"

// StartTaskSpan starts the root span of a pipeline run.
func StartTaskSpan(ctx context.Context, taskID string, fastPath bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Bool("task.fast_path", fastPath),
		),
	)
}

// StartStageSpan starts a span for one pipeline stage.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pipeline."+stage,
		trace.WithAttributes(attribute.String("pipeline.stage", stage)),
	)
}

// StartRepairAttemptSpan starts a span for one generate-review attempt.
func StartRepairAttemptSpan(ctx context.Context, taskID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "repair.attempt",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.Int("repair.attempt", attempt),
		),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
