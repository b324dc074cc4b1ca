package ws

import (
	"context"
	"encoding/json"
)

// BroadcastEvent marshals a typed event and broadcasts it tagged with the
// originating run ID. It implements the broadcast port.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType, agentID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		AgentID: agentID,
		Payload: json.RawMessage(data),
	})
}
