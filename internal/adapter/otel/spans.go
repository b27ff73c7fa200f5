package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "siteforge"

// StartPhaseSpan starts a span covering one workflow phase.
func StartPhaseSpan(ctx context.Context, phase, projectID, runID string, iteration int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "workflow."+phase,
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("run.id", runID),
			attribute.Int("workflow.iteration", iteration),
		),
	)
}

// StartJobSpan starts a span for one job attempt.
func StartJobSpan(ctx context.Context, jobID, agentID, tier string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "job.attempt",
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("job.agent", agentID),
			attribute.String("job.tier", tier),
			attribute.Int("job.attempt", attempt),
		),
	)
}

// StartBudgetCheckSpan starts a span for a budget decision.
func StartBudgetCheckSpan(ctx context.Context, tenantID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "budget.check",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
}
