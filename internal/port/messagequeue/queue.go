// Package messagequeue defines the message queue port (interface).
package messagequeue

import (
	"context"
	"time"
)

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
// Returning an error asks the transport to redeliver.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is at-least-once; handlers must tolerate duplicates.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages matching the subject
	// pattern ("*" matches one token, ">" matches the rest).
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Request sends a message and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}
