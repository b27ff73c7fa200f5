package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "siteforge"

// Metrics holds all SiteForge metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	WorkflowsStarted   metric.Int64Counter
	WorkflowsCompleted metric.Int64Counter
	WorkflowsFailed    metric.Int64Counter
	JobsCompleted      metric.Int64Counter
	JobsFailed         metric.Int64Counter
	JobRetries         metric.Int64Counter
	BudgetDenials      metric.Int64Counter
	JobCost            metric.Float64Histogram
	PhaseDuration      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.WorkflowsStarted, "siteforge.workflows.started", "Number of workflows started"},
		{&m.WorkflowsCompleted, "siteforge.workflows.completed", "Number of workflows completed"},
		{&m.WorkflowsFailed, "siteforge.workflows.failed", "Number of workflows failed, by reason"},
		{&m.JobsCompleted, "siteforge.jobs.completed", "Number of jobs completed, by tier"},
		{&m.JobsFailed, "siteforge.jobs.failed", "Number of jobs failed, by tier and kind"},
		{&m.JobRetries, "siteforge.jobs.retries", "Number of job retries scheduled"},
		{&m.BudgetDenials, "siteforge.budget.denials", "Number of budget checks denied, by scope"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.JobCost, err = meter.Float64Histogram("siteforge.job.cost_usd",
		metric.WithDescription("Cost of a job attempt in USD"))
	if err != nil {
		return nil, err
	}

	m.PhaseDuration, err = meter.Float64Histogram("siteforge.phase.duration_seconds",
		metric.WithDescription("Workflow phase duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// WorkflowStarted counts a started workflow.
func (m *Metrics) WorkflowStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.WorkflowsStarted.Add(ctx, 1)
}

// WorkflowFinished counts a terminal workflow.
func (m *Metrics) WorkflowFinished(ctx context.Context, completed bool, reason string) {
	if m == nil {
		return
	}
	if completed {
		m.WorkflowsCompleted.Add(ctx, 1)
		return
	}
	m.WorkflowsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// JobFinished counts a terminal job. kind is empty on success.
func (m *Metrics) JobFinished(ctx context.Context, tier string, kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		m.JobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
		return
	}
	m.JobsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("kind", kind),
	))
}

// JobRetried counts a scheduled retry.
func (m *Metrics) JobRetried(ctx context.Context, tier string) {
	if m == nil {
		return
	}
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// JobCostRecorded records the cost of one attempt.
func (m *Metrics) JobCostRecorded(ctx context.Context, agentID string, usd float64) {
	if m == nil {
		return
	}
	m.JobCost.Record(ctx, usd, metric.WithAttributes(attribute.String("agent", agentID)))
}

// BudgetDenied counts a denied budget check.
func (m *Metrics) BudgetDenied(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.BudgetDenials.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
}

// PhaseObserved records how long a workflow phase took.
func (m *Metrics) PhaseObserved(ctx context.Context, phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("phase", phase)))
}
