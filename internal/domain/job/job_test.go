package job

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2000 * time.Millisecond},
		{2, 4000 * time.Millisecond},
		{3, 8000 * time.Millisecond},
		{0, 2000 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := Backoff(DefaultBaseBackoff, tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestAssignmentResolve(t *testing.T) {
	a := Assignment{
		"strategist": TierStrategy,
		"qa":         TierQuality,
		"broken":     Tier("gpu"),
	}
	tests := []struct {
		agent string
		want  Tier
	}{
		{"strategist", TierStrategy},
		{"qa", TierQuality},
		{"page-builder", TierBuild},
		{"broken", TierBuild},
	}
	for _, tt := range tests {
		if got := a.Resolve(tt.agent); got != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.agent, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", Errorf(KindRateLimited, "429"), true},
		{"timeout", NewError(KindTimeout, errors.New("slow")), true},
		{"network", Errorf(KindNetwork, "reset"), true},
		{"wrapped network", fmt.Errorf("call: %w", Errorf(KindNetwork, "reset")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"validation", Errorf(KindValidation, "bad input"), false},
		{"logic", Errorf(KindLogic, "nil deref"), false},
		{"untagged", errors.New("rate limit exceeded"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseKindRoundTrip(t *testing.T) {
	for k := range kindNames {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if ParseKind("nonsense") != KindUnknown {
		t.Error("unknown names should map to KindUnknown")
	}
}

func TestSpecValidate(t *testing.T) {
	s := Spec{AgentID: "a", ProjectID: "p", RunID: "r", Phase: PhasePlan}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Phase = "fix"
	if err := s.Validate(); err == nil {
		t.Error("expected error for invalid phase")
	}
}

func TestSpecRetry(t *testing.T) {
	s := Spec{ID: "j1", RunID: "r1"}
	next := s.Retry()
	if next.Context.RetryCount != 1 || s.Context.RetryCount != 0 {
		t.Fatalf("retry should copy: got %d / %d", next.Context.RetryCount, s.Context.RetryCount)
	}
	if next.ID != s.ID || next.RunID != s.RunID {
		t.Error("retry must keep id and runId")
	}
}
