package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
)

const uniqueViolation = "23505"

// --- Workflow runs ---

// CreateWorkflow inserts a new run at version 1. The partial unique index
// on active runs turns a second concurrent start into ErrWorkflowActive.
func (s *Store) CreateWorkflow(ctx context.Context, st *workflow.State) error {
	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (run_id, project_id, tenant_id, phase, state, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		st.RunID, st.ProjectID, st.TenantID, string(st.Phase), data, st.Version, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("create workflow %s: %w", st.ProjectID, domain.ErrWorkflowActive)
		}
		return fmt.Errorf("create workflow %s: %w", st.ProjectID, err)
	}
	return nil
}

// SaveWorkflow writes the state if nobody else saved it since it was read.
func (s *Store) SaveWorkflow(ctx context.Context, st *workflow.State) error {
	prev := st.Version
	st.Version++
	data, err := json.Marshal(st)
	if err != nil {
		st.Version = prev
		return fmt.Errorf("marshal workflow: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET phase = $2, state = $3, version = $4, updated_at = $5
		 WHERE run_id = $1 AND version = $6`,
		st.RunID, string(st.Phase), data, st.Version, st.UpdatedAt, prev)
	if err != nil {
		st.Version = prev
		return fmt.Errorf("save workflow %s: %w", st.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		st.Version = prev
		return fmt.Errorf("save workflow %s: %w", st.RunID, domain.ErrConflict)
	}
	return nil
}

// GetWorkflow returns the newest run of a project.
func (s *Store) GetWorkflow(ctx context.Context, projectID string) (*workflow.State, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT state FROM workflow_runs WHERE project_id = $1 ORDER BY created_at DESC LIMIT 1`, projectID)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", projectID, err)
	}
	st, err := pgx.CollectOneRow(rows, rowToWorkflow)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get workflow %s: %w", projectID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", projectID, err)
	}
	return &st, nil
}

// ListWorkflows returns the newest run of every project.
func (s *Store) ListWorkflows(ctx context.Context) ([]workflow.State, error) {
	return s.queryWorkflows(ctx,
		`SELECT state FROM (
		   SELECT DISTINCT ON (project_id) state, created_at FROM workflow_runs
		   ORDER BY project_id, created_at DESC
		 ) latest ORDER BY created_at DESC`)
}

// ListActiveWorkflows returns every non-terminal run.
func (s *Store) ListActiveWorkflows(ctx context.Context) ([]workflow.State, error) {
	return s.queryWorkflows(ctx,
		`SELECT state FROM workflow_runs WHERE phase NOT IN ('completed', 'failed') ORDER BY created_at`)
}

func (s *Store) queryWorkflows(ctx context.Context, query string) ([]workflow.State, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out, err := collect(rows, rowToWorkflow)
	if err != nil {
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	return out, nil
}
