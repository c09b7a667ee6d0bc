package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "coursekeep"

// StartAccessSpan starts a span for an access resolution or download issuance.
func StartAccessSpan(ctx context.Context, name, tenantID, kind, contentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("content.kind", kind),
			attribute.String("content.id", contentID),
		),
	)
}

// StartPayoutSpan starts a span for a payout batch operation.
func StartPayoutSpan(ctx context.Context, name, tenantID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
}

// EndSpan records err on the span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
