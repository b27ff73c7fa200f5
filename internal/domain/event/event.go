// Package event defines the typed events multiplexed over the event bridge.
package event

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/SiteForge/internal/domain/job"
)

// Type identifies an event. It doubles as the message queue subject.
type Type string

const (
	TypeProjectCreated     Type = "project.created"
	TypeSpecCreated        Type = "spec.created"
	TypeSpecFailed         Type = "spec.failed"
	TypeSynthesisCompleted Type = "synthesis.completed"
	TypeSynthesisFailed    Type = "synthesis.failed"
	TypeValidationPassed   Type = "validation.passed"
	TypeValidationFailed   Type = "validation.failed"
	TypeDeploySucceeded    Type = "deploy.succeeded"
	TypeDeployFailed       Type = "deploy.failed"
	TypeFixRequested       Type = "fix.requested"

	// Orchestrator lifecycle events.
	TypePhaseStarted      Type = "phase.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowFailed    Type = "workflow.failed"
	TypeWorkflowCancelled Type = "workflow.cancelled"
)

const agentPrefix = "agent."

// AgentCompleted is the event published once when a job for agentID succeeds.
func AgentCompleted(agentID string) Type {
	return Type(agentPrefix + agentID + ".completed")
}

// AgentFailed is the event published once when a job for agentID terminally fails.
func AgentFailed(agentID string) Type {
	return Type(agentPrefix + agentID + ".failed")
}

// ParseAgent splits an agent lifecycle type into its agent id and outcome.
func (t Type) ParseAgent() (agentID string, completed, ok bool) {
	s := string(t)
	if !strings.HasPrefix(s, agentPrefix) {
		return "", false, false
	}
	rest := strings.TrimPrefix(s, agentPrefix)
	switch {
	case strings.HasSuffix(rest, ".completed"):
		return strings.TrimSuffix(rest, ".completed"), true, true
	case strings.HasSuffix(rest, ".failed"):
		return strings.TrimSuffix(rest, ".failed"), false, true
	default:
		return "", false, false
	}
}

// StreamSubjects are the subject patterns covering every event type.
var StreamSubjects = []string{
	"project.>", "spec.>", "synthesis.>", "validation.>", "deploy.>",
	"fix.>", "agent.>", "phase.>", "workflow.>",
}

// Event is the envelope carried over the bridge. Every event carries
// ProjectID so subscribers can filter.
type Event struct {
	ID        string                     `json:"id"`
	Type      Type                       `json:"type"`
	ProjectID string                     `json:"project_id"`
	RunID     string                     `json:"run_id,omitempty"`
	TenantID  string                     `json:"tenant_id,omitempty"`
	Phase     job.Phase                  `json:"phase,omitempty"`
	Iteration int                        `json:"iteration,omitempty"`
	Fix       bool                       `json:"fix,omitempty"`
	FixBudget int                        `json:"fix_budget,omitempty"`
	AgentID   string                     `json:"agent_id,omitempty"`
	JobID     string                     `json:"job_id,omitempty"`
	Input     json.RawMessage            `json:"input,omitempty"`
	Results   map[string]json.RawMessage `json:"results,omitempty"`
	Findings  []json.RawMessage          `json:"findings,omitempty"`
	URLs      []string                   `json:"urls,omitempty"`
	Error     string                     `json:"error,omitempty"`
	ErrorKind string                     `json:"error_kind,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

// New returns an event with a fresh id and timestamp.
func New(t Type, projectID, runID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ProjectID: projectID,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks the envelope fields every subscriber relies on.
func (e *Event) Validate() error {
	if e.ID == "" {
		return errors.New("event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.ProjectID == "" {
		return errors.New("project_id is required")
	}
	return nil
}

// CompletionFor returns the success and failure events that close the
// given phase.
func CompletionFor(p job.Phase) (success, failure Type) {
	switch p {
	case job.PhasePlan:
		return TypeSpecCreated, TypeSpecFailed
	case job.PhaseSynthesize:
		return TypeSynthesisCompleted, TypeSynthesisFailed
	case job.PhaseValidate:
		return TypeValidationPassed, TypeValidationFailed
	case job.PhaseDeploy:
		return TypeDeploySucceeded, TypeDeployFailed
	default:
		return "", ""
	}
}
