// Package fanout decouples event producers from slow broadcasters with a
// bounded buffer drained by one goroutine. Events are dropped when the buffer is full.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

var _ broadcast.Broadcaster = (*Broadcaster)(nil)

type event struct {
	ctx     context.Context
	typ     string
	payload any
}

// Broadcaster forwards events to the wrapped broadcaster asynchronously.
type Broadcaster struct {
	next    broadcast.Broadcaster
	ch      chan event
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// New starts a fanout broadcaster with the given buffer size.
func New(next broadcast.Broadcaster, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 1024
	}
	b := &Broadcaster{
		next: next,
		ch:   make(chan event, bufSize),
		done: make(chan struct{}),
	}
	go b.drain()
	return b
}

// BroadcastEvent enqueues the event and returns immediately.
func (b *Broadcaster) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- event{ctx: context.WithoutCancel(ctx), typ: eventType, payload: payload}:
	default:
		if n := b.dropped.Add(1); n == 1 || n%1000 == 0 {
			slog.Warn("event buffer full, dropping", "event", eventType, "dropped", n)
		}
	}
}

func (b *Broadcaster) drain() {
	defer close(b.done)
	for ev := range b.ch {
		b.deliver(ev)
	}
}

func (b *Broadcaster) deliver(ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("broadcaster panicked", "event", ev.typ, "panic", r)
		}
	}()
	b.next.BroadcastEvent(ev.ctx, ev.typ, ev.payload)
}

// Dropped returns the number of events discarded because the buffer was full.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close stops accepting events and waits for the buffer to drain.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
