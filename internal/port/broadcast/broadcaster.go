// Package broadcast defines the port for pushing progress events to
// external subscribers (dashboards, CLIs).
package broadcast

import "context"

// Broadcaster forwards an event to every connected progress subscriber.
// Implementations must not block the caller on slow subscribers.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, projectID, eventType string, payload any)
}
