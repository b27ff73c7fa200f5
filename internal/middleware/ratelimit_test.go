package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func fixedLimiter(perSecond float64, burst int) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(perSecond, burst)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func okHandler(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = ip + ":4711"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl, _ := fixedLimiter(10, 10)
	h := okHandler(rl)

	for i := range 10 {
		if rec := hit(h, "192.168.1.1"); rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	rl, _ := fixedLimiter(10, 5)
	h := okHandler(rl)

	for range 5 {
		hit(h, "192.168.1.1")
	}

	rec := hit(h, "192.168.1.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestRateLimiterRefills(t *testing.T) {
	rl, now := fixedLimiter(2, 1)
	h := okHandler(rl)

	if rec := hit(h, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}

	*now = now.Add(500 * time.Millisecond)
	if rec := hit(h, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Errorf("after refill: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterSetsHeaders(t *testing.T) {
	rl, _ := fixedLimiter(10, 10)
	rec := hit(okHandler(rl), "192.168.1.1")

	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("expected X-RateLimit-Remaining 9, got %q", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("expected X-RateLimit-Reset header")
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	rl, _ := fixedLimiter(10, 2)
	h := okHandler(rl)

	for range 2 {
		hit(h, "10.0.0.1")
	}

	if rec := hit(h, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("IP 10.0.0.1: expected 429, got %d", rec.Code)
	}
	if rec := hit(h, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("IP 10.0.0.2: expected 200, got %d", rec.Code)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, now := fixedLimiter(10, 2)
	h := okHandler(rl)

	hit(h, "10.0.0.1")
	*now = now.Add(time.Minute)
	hit(h, "10.0.0.2")

	rl.cleanup(30 * time.Second)
	if rl.Len() != 1 {
		t.Fatalf("expected 1 tracked client after cleanup, got %d", rl.Len())
	}
}

func TestRateLimiterCapacity(t *testing.T) {
	rl, _ := fixedLimiter(10, 2)
	rl.maxClients = 1
	h := okHandler(rl)

	hit(h, "10.0.0.1")
	if rec := hit(h, "10.0.0.2"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 at capacity, got %d", rec.Code)
	}
}
