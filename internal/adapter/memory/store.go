// Package memory implements the store and queue ports in process, for
// standalone mode and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain"
	"github.com/Strob0t/SiteForge/internal/domain/budget"
	"github.com/Strob0t/SiteForge/internal/domain/workflow"
	"github.com/Strob0t/SiteForge/internal/port/database"
)

// Store is a mutex-guarded in-memory database.Store. State values are
// deep-copied through JSON so callers never share memory with the store.
type Store struct {
	mu         sync.Mutex
	records    []budget.UsageRecord
	aggregates map[budget.Scope]budget.Totals
	alerts     []budget.Alert
	runs       map[string][]byte // runId -> encoded state
	order      []string          // runIds in creation order
}

var _ database.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		aggregates: make(map[budget.Scope]budget.Totals),
		runs:       make(map[string][]byte),
	}
}

// AppendUsage implements database.LedgerStore.
func (s *Store) AppendUsage(_ context.Context, rec *budget.UsageRecord) (map[budget.Scope]budget.Totals, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("append usage: %w: %w", domain.ErrValidation, err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, *rec)
	delta := budget.Totals{Cost: rec.Cost, Tokens: rec.Tokens}
	out := make(map[budget.Scope]budget.Totals, 4)
	for _, sc := range rec.Scopes() {
		t := s.aggregates[sc].Add(delta)
		s.aggregates[sc] = t
		out[sc] = t
	}
	return out, nil
}

// UsageTotals implements database.LedgerStore.
func (s *Store) UsageTotals(_ context.Context, scope budget.Scope) (budget.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregates[scope], nil
}

// CostBreakdown implements database.LedgerStore.
func (s *Store) CostBreakdown(_ context.Context, tenantID string, window budget.Window) ([]budget.AgentCost, error) {
	s.mu.Lock()
	byAgent := make(map[string]*budget.AgentCost)
	for i := range s.records {
		r := &s.records[i]
		if r.TenantID != tenantID || !window.Contains(r.CreatedAt) {
			continue
		}
		ac, ok := byAgent[r.AgentID]
		if !ok {
			ac = &budget.AgentCost{AgentID: r.AgentID}
			byAgent[r.AgentID] = ac
		}
		ac.TotalCost += r.Cost
		ac.TotalTokens += r.Tokens
		ac.ExecutionCount++
	}
	s.mu.Unlock()

	out := make([]budget.AgentCost, 0, len(byAgent))
	for _, ac := range byAgent {
		out = append(out, *ac)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out, nil
}

// AppendBudgetAlert implements database.LedgerStore.
func (s *Store) AppendBudgetAlert(_ context.Context, alert *budget.Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, *alert)
	s.mu.Unlock()
	return nil
}

// Alerts returns a copy of the alert audit trail.
func (s *Store) Alerts() []budget.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]budget.Alert(nil), s.alerts...)
}

// CreateWorkflow implements database.WorkflowStore.
func (s *Store) CreateWorkflow(_ context.Context, st *workflow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		cur, err := decodeState(s.runs[id])
		if err != nil {
			return err
		}
		if cur.ProjectID == st.ProjectID && !cur.Phase.IsTerminal() {
			return fmt.Errorf("create workflow %s: %w", st.ProjectID, domain.ErrWorkflowActive)
		}
	}
	if _, ok := s.runs[st.RunID]; ok {
		return fmt.Errorf("create workflow %s: run %s: %w", st.ProjectID, st.RunID, domain.ErrConflict)
	}

	st.Version = 1
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	s.runs[st.RunID] = data
	s.order = append(s.order, st.RunID)
	return nil
}

// SaveWorkflow implements database.WorkflowStore.
func (s *Store) SaveWorkflow(_ context.Context, st *workflow.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.runs[st.RunID]
	if !ok {
		return fmt.Errorf("save workflow %s: %w", st.RunID, domain.ErrNotFound)
	}
	cur, err := decodeState(raw)
	if err != nil {
		return err
	}
	if cur.Version != st.Version {
		return fmt.Errorf("save workflow %s: %w", st.RunID, domain.ErrConflict)
	}

	st.Version++
	data, err := json.Marshal(st)
	if err != nil {
		st.Version--
		return fmt.Errorf("marshal workflow: %w", err)
	}
	s.runs[st.RunID] = data
	return nil
}

// GetWorkflow implements database.WorkflowStore.
func (s *Store) GetWorkflow(_ context.Context, projectID string) (*workflow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		st, err := decodeState(s.runs[s.order[i]])
		if err != nil {
			return nil, err
		}
		if st.ProjectID == projectID {
			return &st, nil
		}
	}
	return nil, fmt.Errorf("get workflow %s: %w", projectID, domain.ErrNotFound)
}

// ListWorkflows implements database.WorkflowStore.
func (s *Store) ListWorkflows(_ context.Context) ([]workflow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	out := []workflow.State{}
	for i := len(s.order) - 1; i >= 0; i-- {
		st, err := decodeState(s.runs[s.order[i]])
		if err != nil {
			return nil, err
		}
		if seen[st.ProjectID] {
			continue
		}
		seen[st.ProjectID] = true
		out = append(out, st)
	}
	return out, nil
}

// ListActiveWorkflows implements database.WorkflowStore.
func (s *Store) ListActiveWorkflows(_ context.Context) ([]workflow.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []workflow.State{}
	for _, id := range s.order {
		st, err := decodeState(s.runs[id])
		if err != nil {
			return nil, err
		}
		if !st.Phase.IsTerminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

func decodeState(data []byte) (workflow.State, error) {
	var st workflow.State
	if err := json.Unmarshal(data, &st); err != nil {
		return workflow.State{}, fmt.Errorf("decode workflow state: %w", err)
	}
	return st, nil
}
