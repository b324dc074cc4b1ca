package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentdock"

// StartRunSpan starts a span covering one agent run from dispatch to
// terminal state.
func StartRunSpan(ctx context.Context, runID, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("project.id", projectID),
		),
	)
}

// StartDeliverySpan starts a span for pull-request delivery after a
// successful run.
func StartDeliverySpan(ctx context.Context, runID, branch string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "delivery",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("delivery.branch", branch),
		),
	)
}
