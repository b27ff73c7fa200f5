package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// BroadcastEvent marshals payload and broadcasts it to the project's
// subscribers. It implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, projectID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:      eventType,
		ProjectID: projectID,
		Payload:   json.RawMessage(data),
	})
}
