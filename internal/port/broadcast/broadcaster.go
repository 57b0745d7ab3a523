// Package broadcast defines the port for fire-and-forget observability events.
package broadcast

import "context"

// Broadcaster sends real-time events to subscribers (WebSocket clients, the event bus).
// Implementations must not block the caller on slow consumers.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all subscribers.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Event types emitted by the engine.
const (
	EventQueuePaused        = "queue.paused"
	EventQueueResumed       = "queue.resumed"
	EventQueuePurged        = "queue.purged"
	EventTaskAborted        = "task.aborted"
	EventQueueEmergencyStop = "queue.emergency_stop"
	EventTaskStatus         = "task.status"
	EventTaskProgress       = "task.progress"
	EventTraceStep          = "trace.step"
	EventTraceLost          = "trace.lost"
)

// Multi fans one event out to several broadcasters.
type Multi []Broadcaster

// BroadcastEvent implements Broadcaster.
func (m Multi) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range m {
		if b != nil {
			b.BroadcastEvent(ctx, eventType, payload)
		}
	}
}

// Nop discards events.
type Nop struct{}

// BroadcastEvent implements Broadcaster.
func (Nop) BroadcastEvent(context.Context, string, any) {}
