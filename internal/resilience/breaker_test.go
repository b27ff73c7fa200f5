package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("service unavailable")

func newTestBreaker(maxFailures int) (b *Breaker, advance func(time.Duration)) {
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	b = NewBreaker("test", maxFailures, time.Second)
	b.now = func() time.Time { return now }
	return b, func(d time.Duration) { now = now.Add(d) }
}

func TestClosedStateAllowsCalls(t *testing.T) {
	b, _ := newTestBreaker(3)
	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be called")
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestOpensAfterMaxFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	for range 3 {
		_ = b.Execute(func() error { return errTest })
	}

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, want open", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2)

	_ = b.Execute(func() error { return errTest })
	_ = b.Execute(func() error { return nil })
	_ = b.Execute(func() error { return errTest })

	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures must not open the breaker, state = %s", b.State())
	}
}

func TestHalfOpenTrial(t *testing.T) {
	tests := []struct {
		name      string
		trialErr  error
		wantState State
	}{
		{"success closes", nil, StateClosed},
		{"failure reopens", errTest, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, advance := newTestBreaker(2)
			for range 2 {
				_ = b.Execute(func() error { return errTest })
			}
			advance(2 * time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %s, want half_open after timeout", b.State())
			}

			called := false
			err := b.Execute(func() error { called = true; return tt.trialErr })
			if !called {
				t.Fatal("trial call should run in half-open")
			}
			if !errors.Is(err, tt.trialErr) {
				t.Errorf("err = %v, want %v", err, tt.trialErr)
			}
			if b.State() != tt.wantState {
				t.Errorf("state = %s, want %s", b.State(), tt.wantState)
			}
		})
	}
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	b, advance := newTestBreaker(1)
	_ = b.Execute(func() error { return errTest })
	advance(2 * time.Second)

	inTrial := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(func() error {
			close(inTrial)
			<-release
			return nil
		})
	}()
	<-inTrial

	if err := b.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("concurrent call during trial should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}
