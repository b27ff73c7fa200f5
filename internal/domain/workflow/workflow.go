// Package workflow defines the per-project workflow state machine.
package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Phase is the current state of a workflow run.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePlanning     Phase = "planning"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseValidating   Phase = "validating"
	PhaseFixing       Phase = "fixing"
	PhaseDeploying    Phase = "deploying"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// IsTerminal reports whether the run can no longer change.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

var transitions = map[Phase][]Phase{
	PhaseInitializing: {PhasePlanning},
	PhasePlanning:     {PhaseSynthesizing},
	PhaseSynthesizing: {PhaseValidating},
	PhaseValidating:   {PhaseFixing, PhaseDeploying},
	PhaseFixing:       {PhaseValidating},
	PhaseDeploying:    {PhaseCompleted},
}

// CanTransition reports whether from -> to is allowed. Any non-terminal
// phase may move to failed.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// FailureReason classifies why a run ended in failed.
type FailureReason string

const (
	ReasonBudget              FailureReason = "budget"
	ReasonTimeout             FailureReason = "timeout"
	ReasonIterationsExhausted FailureReason = "iterations_exhausted"
	ReasonPhaseFailed         FailureReason = "phase_failed"
	ReasonCancelled           FailureReason = "cancelled"
	ReasonInternal            FailureReason = "internal"
)

// CancelledMessage is recorded when a user cancels a run.
const CancelledMessage = "cancelled by user"

// Error is one entry in a run's accumulated error list.
type Error struct {
	Phase   Phase         `json:"phase"`
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
	At      time.Time     `json:"at"`
}

// State is the per-project workflow aggregate. It is mutated only by the
// orchestrator goroutine that owns the run.
type State struct {
	ProjectID      string                     `json:"project_id"`
	TenantID       string                     `json:"tenant_id"`
	RunID          string                     `json:"run_id"`
	Phase          Phase                      `json:"current_phase"`
	Iteration      int                        `json:"iteration"`
	MaxIterations  int                        `json:"max_iterations"`
	Input          json.RawMessage            `json:"input,omitempty"`
	Artifacts      map[string]json.RawMessage `json:"artifacts"`
	Errors         []Error                    `json:"errors"`
	Findings       []json.RawMessage          `json:"findings,omitempty"`
	DeploymentURLs []string                   `json:"deployment_urls,omitempty"`
	FailureReason  FailureReason              `json:"failure_reason,omitempty"`
	Version        int                        `json:"version"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// New returns a fresh state in initializing.
func New(projectID, tenantID, runID string, maxIterations int, now time.Time) *State {
	return &State{
		ProjectID:     projectID,
		TenantID:      tenantID,
		RunID:         runID,
		Phase:         PhaseInitializing,
		MaxIterations: maxIterations,
		Artifacts:     make(map[string]json.RawMessage),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the state to the given phase.
func (s *State) Transition(to Phase, now time.Time) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("invalid transition %s -> %s", s.Phase, to)
	}
	s.Phase = to
	s.UpdatedAt = now
	return nil
}

// Fail records the error and moves the state to failed. It is a no-op on a
// terminal state.
func (s *State) Fail(reason FailureReason, msg string, now time.Time) {
	if s.Phase.IsTerminal() {
		return
	}
	s.Errors = append(s.Errors, Error{Phase: s.Phase, Reason: reason, Message: msg, At: now})
	s.FailureReason = reason
	s.Phase = PhaseFailed
	s.UpdatedAt = now
}

// AddArtifacts merges per-agent outputs under the given phase prefix.
func (s *State) AddArtifacts(prefix string, results map[string]json.RawMessage) {
	if s.Artifacts == nil {
		s.Artifacts = make(map[string]json.RawMessage, len(results))
	}
	for agent, out := range results {
		s.Artifacts[prefix+"/"+agent] = out
	}
}

// LastError returns the most recent error message, or "".
func (s *State) LastError() string {
	if len(s.Errors) == 0 {
		return ""
	}
	return s.Errors[len(s.Errors)-1].Message
}

// DefaultBaseFixBudget is the change-unit budget of the first fix iteration.
const DefaultBaseFixBudget = 10

// FixBudget returns the budget for the given 0-based fix iteration:
// base * 2^iteration.
func FixBudget(base, iteration int) int {
	if iteration < 0 {
		iteration = 0
	}
	return base << iteration
}

// Clone returns a copy that shares no mutable memory with s.
func (s *State) Clone() *State {
	c := *s
	c.Input = slices.Clone(s.Input)
	c.Artifacts = maps.Clone(s.Artifacts)
	c.Errors = slices.Clone(s.Errors)
	c.Findings = slices.Clone(s.Findings)
	c.DeploymentURLs = slices.Clone(s.DeploymentURLs)
	return &c
}
