package messagequeue

import "context"

type messageIDKey struct{}

// WithMessageID attaches a deduplication id for the next Publish. Transports
// that support it drop a second message carrying the same id.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageID returns the deduplication id from ctx, or "".
func MessageID(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}
