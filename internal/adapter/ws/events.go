package ws

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Hub)(nil)

// taskRef picks the task a payload belongs to. Trace events carry trace_id,
// which equals the task id.
type taskRef struct {
	TaskID  string `json:"task_id"`
	TraceID string `json:"trace_id"`
}

// BroadcastEvent implements broadcast.Broadcaster.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	var ref taskRef
	_ = json.Unmarshal(data, &ref)
	id := ref.TaskID
	if id == "" {
		id = ref.TraceID
	}

	h.Broadcast(ctx, id, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
