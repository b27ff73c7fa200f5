// Package database defines the durable store ports (interfaces).
package database

import (
	"context"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
)

// LedgerStore is the durable, append-only usage ledger. It is the source of
// truth for every budget decision.
type LedgerStore interface {
	// AppendUsage appends the record and atomically increments the
	// aggregate of every scope it touches, in one transaction. It returns
	// the post-increment totals keyed by scope.
	AppendUsage(ctx context.Context, rec *budget.UsageRecord) (map[budget.Scope]budget.Totals, error)

	// UsageTotals returns the current aggregate for a scope (zero if none).
	UsageTotals(ctx context.Context, scope budget.Scope) (budget.Totals, error)

	// CostBreakdown groups a tenant's usage records by agent.
	CostBreakdown(ctx context.Context, tenantID string, window budget.Window) ([]budget.AgentCost, error)

	// AppendBudgetAlert writes an audit entry for a budget alert.
	AppendBudgetAlert(ctx context.Context, alert *budget.Alert) error
}

// WorkflowStore persists workflow states.
type WorkflowStore interface {
	// CreateWorkflow inserts a new run. It returns an error wrapping
	// domain.ErrWorkflowActive if the project already has a non-terminal run.
	CreateWorkflow(ctx context.Context, st *workflow.State) error

	// SaveWorkflow persists the state using optimistic locking on Version
	// and increments Version on success.
	SaveWorkflow(ctx context.Context, st *workflow.State) error

	// GetWorkflow returns the most recent run for a project.
	GetWorkflow(ctx context.Context, projectID string) (*workflow.State, error)

	// ListWorkflows returns the latest run of every project, newest first.
	ListWorkflows(ctx context.Context) ([]workflow.State, error)

	// ListActiveWorkflows returns every non-terminal run.
	ListActiveWorkflows(ctx context.Context) ([]workflow.State, error)
}

// Store combines every durable port.
type Store interface {
	LedgerStore
	WorkflowStore
}
