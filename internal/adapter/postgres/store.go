package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
	"github.com/Strob0t/SiteForge/internal/port/database"
)

// Store implements database.Store. Amounts are BIGINT micro-dollars and
// workflow states are JSONB documents keyed by run id.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// windowBound maps an open edge of a cost window to SQL NULL.
func windowBound(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// collect drains rows into a non-nil slice so empty lists encode as [].
func collect[T any](rows pgx.Rows, fn pgx.RowToFunc[T]) ([]T, error) {
	out, err := pgx.CollectRows(rows, fn)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func rowToAgentCost(row pgx.CollectableRow) (budget.AgentCost, error) {
	var (
		ac     budget.AgentCost
		cost   int64
		tokens int64
		execs  int64
	)
	if err := row.Scan(&ac.AgentID, &cost, &tokens, &execs); err != nil {
		return budget.AgentCost{}, err
	}
	ac.TotalCost = budget.Money(cost)
	ac.TotalTokens = tokens
	ac.ExecutionCount = int(execs)
	return ac, nil
}

func rowToWorkflow(row pgx.CollectableRow) (workflow.State, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return workflow.State{}, err
	}
	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return workflow.State{}, fmt.Errorf("decode workflow state: %w", err)
	}
	return st, nil
}
