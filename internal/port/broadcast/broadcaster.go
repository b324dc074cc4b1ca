// Package broadcast defines the port for broadcasting real-time events to connected observers.
package broadcast

import "context"

// Broadcaster sends real-time events to all connected observers. Delivery is
// best-effort: observers that disconnect mid-broadcast simply miss events.
type Broadcaster interface {
	// BroadcastEvent sends a typed event for the given run to all connected observers.
	BroadcastEvent(ctx context.Context, eventType, agentID string, payload any)
}
