package job

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an execution error. Retry decisions are made on the
// kind, never on the error text.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindTimeout
	KindNetwork
	KindValidation
	KindLogic
	KindBudget
	KindStalled
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindRateLimited: "rate_limited",
	KindTimeout:     "timeout",
	KindNetwork:     "network",
	KindValidation:  "validation",
	KindLogic:       "logic",
	KindBudget:      "budget",
	KindStalled:     "stalled",
	KindCancelled:   "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind maps a wire name back to a Kind. Unknown names map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Retryable reports whether errors of this kind are transient.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindNetwork:
		return true
	default:
		return false
	}
}

// Error is an execution error tagged with a Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError tags err with kind.
func NewError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Errorf formats a message and tags it with kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err. A bare context deadline counts as
// a timeout; anything untagged is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var je *Error
	if errors.As(err, &je) {
		return je.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether err should be retried by the dispatcher.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
