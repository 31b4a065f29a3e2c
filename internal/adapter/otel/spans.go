package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "gatewright"

// StartStepSpan starts a span covering one step execution attempt.
func StartStepSpan(ctx context.Context, sessionID, stepID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.id", stepID),
			attribute.Int("step.attempt", attempt),
		),
	)
}

// StartReviewRoundSpan starts a span for a parallel review dispatch round.
func StartReviewRoundSpan(ctx context.Context, sessionID, stepID string, tasks int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "review_round",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("step.id", stepID),
			attribute.Int("review.tasks", tasks),
		),
	)
}

// StartConsensusSpan starts a span for a consensus session.
func StartConsensusSpan(ctx context.Context, sessionID, topic string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "consensus",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("consensus.topic", topic),
		),
	)
}
