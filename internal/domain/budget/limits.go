package budget

import "fmt"

// Ceiling caps usage at one scope. A nil field leaves that dimension
// unconstrained.
type Ceiling struct {
	MaxCost   *Money `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
	MaxTokens *int64 `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// NewCeiling is a convenience constructor for a cost-only ceiling.
func NewCeiling(maxCost Money) *Ceiling {
	return &Ceiling{MaxCost: &maxCost}
}

// WithTokens returns a copy of c that also caps tokens.
func (c Ceiling) WithTokens(maxTokens int64) *Ceiling {
	c.MaxTokens = &maxTokens
	return &c
}

// Limits are the configured ceilings at each scope. They are configuration,
// not persisted per run; a nil scope is unconstrained.
type Limits struct {
	PerExecution *Ceiling `json:"per_execution,omitempty" yaml:"per_execution,omitempty"`
	PerWorkflow  *Ceiling `json:"per_workflow,omitempty" yaml:"per_workflow,omitempty"`
	Monthly      *Ceiling `json:"monthly,omitempty" yaml:"monthly,omitempty"`
	System       *Ceiling `json:"system,omitempty" yaml:"system,omitempty"`
}

// Merge returns base with every non-nil scope of override applied.
func Merge(base, override Limits) Limits {
	out := base
	if override.PerExecution != nil {
		out.PerExecution = override.PerExecution
	}
	if override.PerWorkflow != nil {
		out.PerWorkflow = override.PerWorkflow
	}
	if override.Monthly != nil {
		out.Monthly = override.Monthly
	}
	if override.System != nil {
		out.System = override.System
	}
	return out
}

// Violation returns a non-empty description when projected usage exceeds
// the ceiling in either dimension. A nil ceiling never reports a violation.
func (c *Ceiling) Violation(projected Totals) string {
	if c == nil {
		return ""
	}
	if c.MaxCost != nil && projected.Cost > *c.MaxCost {
		return fmt.Sprintf("projected cost $%s exceeds limit $%s", projected.Cost, *c.MaxCost)
	}
	if c.MaxTokens != nil && projected.Tokens > *c.MaxTokens {
		return fmt.Sprintf("projected tokens %d exceed limit %d", projected.Tokens, *c.MaxTokens)
	}
	return ""
}
