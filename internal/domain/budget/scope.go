package budget

import (
	"strings"
	"time"
)

// ScopeKind identifies the level at which usage is aggregated.
type ScopeKind string

const (
	ScopeExecution ScopeKind = "execution"
	ScopeWorkflow  ScopeKind = "workflow"
	ScopeTenant    ScopeKind = "tenant"
	ScopeSystem    ScopeKind = "system"
)

// SystemID is the scope id used for deployment-wide aggregates.
const SystemID = "system"

// Scope addresses one aggregate row. Tenant and system scopes are bucketed
// by calendar month; execution and workflow scopes have an empty Period.
type Scope struct {
	Kind   ScopeKind `json:"kind"`
	ID     string    `json:"id"`
	Period string    `json:"period,omitempty"`
}

// PeriodOf returns the UTC billing month ("2006-01") containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MonthStart returns the first instant of the UTC month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ExecutionScope is the lifetime scope of a single job.
func ExecutionScope(jobID string) Scope {
	return Scope{Kind: ScopeExecution, ID: jobID}
}

// WorkflowScope is the lifetime scope of a single workflow run.
func WorkflowScope(runID string) Scope {
	return Scope{Kind: ScopeWorkflow, ID: runID}
}

// TenantScope is the tenant's aggregate for the month containing at.
func TenantScope(tenantID string, at time.Time) Scope {
	return Scope{Kind: ScopeTenant, ID: tenantID, Period: PeriodOf(at)}
}

// SystemScope is the deployment-wide aggregate for the month containing at.
func SystemScope(at time.Time) Scope {
	return Scope{Kind: ScopeSystem, ID: SystemID, Period: PeriodOf(at)}
}

// CachePrefix is the key prefix shared by all cached aggregates.
const CachePrefix = "budget."

// CacheKey returns a cache key safe for NATS KV (dots as separators,
// restricted character set).
func (s Scope) CacheKey() string {
	var b strings.Builder
	b.WriteString(CachePrefix)
	b.WriteString(string(s.Kind))
	b.WriteByte('.')
	b.WriteString(sanitizeKey(s.ID))
	if s.Period != "" {
		b.WriteByte('.')
		b.WriteString(s.Period)
	}
	return b.String()
}

func sanitizeKey(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
