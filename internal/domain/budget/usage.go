package budget

import (
	"errors"
	"time"
)

// UsageRecord is one append-only cost event. A single record counts toward
// its execution, workflow, tenant-month and system-month aggregates.
type UsageRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Cost      Money     `json:"cost_usd"`
	Tokens    int64     `json:"tokens_used"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the record can be appended.
func (r *UsageRecord) Validate() error {
	if r.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if r.Cost < 0 {
		return errors.New("cost_usd must not be negative")
	}
	if r.Tokens < 0 {
		return errors.New("tokens_used must not be negative")
	}
	return nil
}

// Scopes returns every aggregate the record contributes to.
func (r *UsageRecord) Scopes() []Scope {
	scopes := make([]Scope, 0, 4)
	if r.JobID != "" {
		scopes = append(scopes, ExecutionScope(r.JobID))
	}
	if r.RunID != "" {
		scopes = append(scopes, WorkflowScope(r.RunID))
	}
	scopes = append(scopes, TenantScope(r.TenantID, r.CreatedAt), SystemScope(r.CreatedAt))
	return scopes
}

// Totals is the aggregate cost and token usage of one scope.
type Totals struct {
	Cost   Money `json:"cost_usd"`
	Tokens int64 `json:"tokens_used"`
}

// Add returns the sum of two totals.
func (t Totals) Add(o Totals) Totals {
	return Totals{Cost: t.Cost + o.Cost, Tokens: t.Tokens + o.Tokens}
}

// AgentCost is one row of a tenant's cost breakdown.
type AgentCost struct {
	AgentID        string `json:"agent_id"`
	TotalCost      Money  `json:"total_cost_usd"`
	TotalTokens    int64  `json:"total_tokens"`
	ExecutionCount int    `json:"execution_count"`
}

// Window restricts a query to [From, To). Zero bounds are open.
type Window struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// AlertType classifies a budget alert.
type AlertType string

const (
	AlertNearingLimit   AlertType = "nearing_limit"
	AlertExceeded       AlertType = "exceeded"
	AlertSystemExceeded AlertType = "system_exceeded"
)

// Alert is an audit entry written whenever a budget warning is raised.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      AlertType `json:"type"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
