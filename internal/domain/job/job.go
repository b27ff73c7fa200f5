// Package job defines the unit of work handed to agent workers.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Phase is the lifecycle stage a job belongs to.
type Phase string

const (
	PhasePlan       Phase = "plan"
	PhaseSynthesize Phase = "synthesize"
	PhaseValidate   Phase = "validate"
	PhaseDeploy     Phase = "deploy"
)

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlan, PhaseSynthesize, PhaseValidate, PhaseDeploy:
		return true
	default:
		return false
	}
}

// Context is the execution context passed to a worker alongside the input.
type Context struct {
	Workspace       string          `json:"workspace"`
	RetryCount      int             `json:"retryCount"`
	PreviousResults json.RawMessage `json:"previousResults,omitempty"`
}

// Spec is the immutable description of one unit of work. Retries reuse the
// same ID and RunID with an incremented Context.RetryCount.
type Spec struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	TenantID  string          `json:"tenantId"`
	ProjectID string          `json:"projectId"`
	RunID     string          `json:"runId"`
	Phase     Phase           `json:"phase"`
	Input     json.RawMessage `json:"input,omitempty"`
	Context   Context         `json:"context"`
	Iteration int             `json:"iteration,omitempty"`
	FixBudget int             `json:"fixBudget,omitempty"`
}

// Validate checks the fields required to route and account for the job.
func (s *Spec) Validate() error {
	if s.AgentID == "" {
		return errors.New("agentId is required")
	}
	if s.ProjectID == "" {
		return errors.New("projectId is required")
	}
	if s.RunID == "" {
		return errors.New("runId is required")
	}
	if !s.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", s.Phase)
	}
	return nil
}

// Retry returns the spec for the next attempt.
func (s Spec) Retry() Spec {
	s.Context.RetryCount++
	return s
}

// Result is what a worker reports back for one attempt.
type Result struct {
	Output  json.RawMessage `json:"output,omitempty"`
	CostUSD float64         `json:"costUsd"`
	Tokens  int64           `json:"tokens"`
}
