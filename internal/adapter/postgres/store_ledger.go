package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
)

// --- Usage ledger ---

// AppendUsage inserts the record and increments every affected aggregate
// in a single transaction. Concurrent appends never lose updates because
// the increment happens in the upsert itself.
func (s *Store) AppendUsage(ctx context.Context, rec *budget.UsageRecord) (map[budget.Scope]budget.Totals, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("append usage: %w: %w", domain.ErrValidation, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	_, err = tx.Exec(ctx,
		`INSERT INTO usage_records (id, tenant_id, project_id, run_id, job_id, agent_id, cost_micros, tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.TenantID, rec.ProjectID, rec.RunID, rec.JobID, rec.AgentID,
		int64(rec.Cost), rec.Tokens, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}

	out := make(map[budget.Scope]budget.Totals, 4)
	for _, sc := range rec.Scopes() {
		var cost, tokens int64
		err := tx.QueryRow(ctx,
			`INSERT INTO budget_aggregates (kind, scope_id, period, cost_micros, tokens, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (kind, scope_id, period) DO UPDATE
			 SET cost_micros = budget_aggregates.cost_micros + EXCLUDED.cost_micros,
			     tokens = budget_aggregates.tokens + EXCLUDED.tokens,
			     updated_at = now()
			 RETURNING cost_micros, tokens`,
			string(sc.Kind), sc.ID, sc.Period, int64(rec.Cost), rec.Tokens,
		).Scan(&cost, &tokens)
		if err != nil {
			return nil, fmt.Errorf("increment %s aggregate: %w", sc.Kind, err)
		}
		out[sc] = budget.Totals{Cost: budget.Money(cost), Tokens: tokens}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit usage: %w", err)
	}
	return out, nil
}

// UsageTotals returns the aggregate for a scope; a missing row is zero usage.
func (s *Store) UsageTotals(ctx context.Context, scope budget.Scope) (budget.Totals, error) {
	var cost, tokens int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_micros), 0), COALESCE(SUM(tokens), 0)
		 FROM budget_aggregates WHERE kind = $1 AND scope_id = $2 AND period = $3`,
		string(scope.Kind), scope.ID, scope.Period,
	).Scan(&cost, &tokens)
	if err != nil {
		return budget.Totals{}, fmt.Errorf("usage totals %s/%s: %w", scope.Kind, scope.ID, err)
	}
	return budget.Totals{Cost: budget.Money(cost), Tokens: tokens}, nil
}

// CostBreakdown groups a tenant's usage by agent, most expensive first.
func (s *Store) CostBreakdown(ctx context.Context, tenantID string, window budget.Window) ([]budget.AgentCost, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT agent_id, SUM(cost_micros), SUM(tokens), COUNT(*)
		 FROM usage_records
		 WHERE tenant_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at < $3)
		 GROUP BY agent_id
		 ORDER BY SUM(cost_micros) DESC, agent_id`,
		tenantID, windowBound(window.From), windowBound(window.To))
	if err != nil {
		return nil, fmt.Errorf("cost breakdown %s: %w", tenantID, err)
	}
	out, err := collect(rows, rowToAgentCost)
	if err != nil {
		return nil, fmt.Errorf("scan cost breakdown: %w", err)
	}
	return out, nil
}

// AppendBudgetAlert writes an audit row for a budget alert.
func (s *Store) AppendBudgetAlert(ctx context.Context, alert *budget.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	status, err := json.Marshal(alert.Status)
	if err != nil {
		return fmt.Errorf("marshal alert status: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO budget_alerts (id, tenant_id, alert_type, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		alert.ID, alert.TenantID, string(alert.Type), status, alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert budget alert: %w", err)
	}
	return nil
}
