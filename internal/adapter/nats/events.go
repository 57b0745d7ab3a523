package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/Switchyard/internal/port/broadcast"
	"github.com/Strob0t/Switchyard/internal/port/messagequeue"
	"github.com/Strob0t/Switchyard/internal/resilience"
)

const publishTimeout = 2 * time.Second

var _ broadcast.Broadcaster = (*EventPublisher)(nil)

// EventPublisher mirrors engine events onto switchyard.events.<type>. Events
// are best effort: while the breaker is open they are dropped.
type EventPublisher struct {
	q       messagequeue.Queue
	breaker *resilience.Breaker
	now     func() time.Time
}

// NewEventPublisher creates a publisher guarded by breaker. A nil breaker
// publishes unconditionally.
func NewEventPublisher(q messagequeue.Queue, breaker *resilience.Breaker) *EventPublisher {
	return &EventPublisher{q: q, breaker: breaker, now: time.Now}
}

// BroadcastEvent implements broadcast.Broadcaster.
func (p *EventPublisher) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(messagequeue.EventPayload{
		Type:      eventType,
		Timestamp: p.now().UTC(),
		Payload:   payload,
	})
	if err != nil {
		slog.Warn("marshal event", "event", eventType, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	publish := func(ctx context.Context) error {
		return p.q.Publish(ctx, messagequeue.EventSubject(eventType), data)
	}
	if p.breaker == nil {
		err = publish(ctx)
	} else {
		err = p.breaker.Execute(ctx, publish)
	}
	switch {
	case err == nil:
	case errors.Is(err, resilience.ErrCircuitOpen):
		slog.Debug("event dropped, bus circuit open", "event", eventType)
	default:
		slog.Warn("publish event", "event", eventType, "error", err)
	}
}
