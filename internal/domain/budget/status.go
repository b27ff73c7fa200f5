package budget

// NearingLimitPercent is the usage percentage above which a scope is
// reported as nearing its limit.
const NearingLimitPercent = 80.0

// Status is derived fresh on every check and never stored.
type Status struct {
	Used         Money   `json:"used"`
	Limit        *Money  `json:"limit,omitempty"`
	Remaining    *Money  `json:"remaining,omitempty"`
	PercentUsed  float64 `json:"percent_used"`
	Exceeded     bool    `json:"exceeded"`
	NearingLimit bool    `json:"nearing_limit"`
	TokensUsed   int64   `json:"tokens_used"`
	TokenLimit   *int64  `json:"token_limit,omitempty"`
}

// ComputeStatus derives the status of usage against c. With no ceiling the
// percentage is zero and neither flag is set. When both dimensions are
// capped the larger percentage wins.
func ComputeStatus(used Totals, c *Ceiling) Status {
	st := Status{Used: used.Cost, TokensUsed: used.Tokens}
	if c == nil {
		return st
	}

	if c.MaxCost != nil {
		limit := *c.MaxCost
		remaining := max(limit-used.Cost, 0)
		st.Limit = &limit
		st.Remaining = &remaining
		st.PercentUsed = percent(int64(used.Cost), int64(limit))
		st.Exceeded = used.Cost > limit
	}
	if c.MaxTokens != nil {
		limit := *c.MaxTokens
		st.TokenLimit = &limit
		st.PercentUsed = max(st.PercentUsed, percent(used.Tokens, limit))
		st.Exceeded = st.Exceeded || used.Tokens > limit
	}
	st.NearingLimit = st.PercentUsed > NearingLimitPercent
	return st
}

// ProjectedPercent is the percentage the scope would reach after adding
// the estimate.
func ProjectedPercent(used, estimate Totals, c *Ceiling) float64 {
	return ComputeStatus(used.Add(estimate), c).PercentUsed
}

func percent(used, limit int64) float64 {
	if limit <= 0 {
		if used > 0 {
			return 100
		}
		return 0
	}
	return float64(used) * 100 / float64(limit)
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	Scope   ScopeKind `json:"scope,omitempty"`
	Status  Status    `json:"status"`
}
