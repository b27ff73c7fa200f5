package job

import "time"

// Retry policy defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseBackoff = 2000 * time.Millisecond
)

// Backoff returns the delay before retrying after the given failed attempt
// (1-based): base * 2^(attempt-1).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
