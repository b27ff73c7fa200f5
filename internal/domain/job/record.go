package job

import "time"

// Status is the dispatcher-side lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether no further attempts will run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Record is the audit view of a job kept by the dispatcher.
type Record struct {
	Spec       Spec      `json:"spec"`
	Tier       Tier      `json:"tier"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Stalls     int       `json:"stalls"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Result     *Result   `json:"result,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
