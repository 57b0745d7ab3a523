package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// asyncState is shared by an AsyncHandler and every handler derived from it.
type asyncState struct {
	ch      chan asyncRecord
	wg      sync.WaitGroup
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	mu      sync.RWMutex // guards sends against Close
}

type asyncRecord struct {
	handler slog.Handler
	rec     slog.Record
	ctx     context.Context
}

// AsyncHandler wraps an slog.Handler with a buffered channel and worker pool.
// Records are dropped, never blocked on, when the buffer is full.
type AsyncHandler struct {
	inner slog.Handler
	state *asyncState
}

// NewAsyncHandler creates an AsyncHandler with the given channel capacity and worker count.
func NewAsyncHandler(inner slog.Handler, chanSize, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	st := &asyncState{ch: make(chan asyncRecord, chanSize)}
	for range workers {
		st.wg.Add(1)
		go st.drain()
	}
	return &AsyncHandler{inner: inner, state: st}
}

func (s *asyncState) drain() {
	defer s.wg.Done()
	for r := range s.ch {
		_ = r.handler.Handle(r.ctx, r.rec)
	}
}

// Enabled delegates to the inner handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues the record. Drops if the channel is full or the handler is closed.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	h.state.mu.RLock()
	defer h.state.mu.RUnlock()
	if h.state.closed.Load() {
		h.state.dropped.Add(1)
		return nil
	}
	// The record outlives the caller; keep only context values, not cancellation.
	r := asyncRecord{handler: h.inner, rec: rec.Clone(), ctx: context.WithoutCancel(ctx)}
	select {
	case h.state.ch <- r:
	default:
		h.state.dropped.Add(1)
	}
	return nil
}

// WithAttrs returns a new AsyncHandler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), state: h.state}
}

// WithGroup returns a new AsyncHandler sharing the same channel but wrapping a new inner handler.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of dropped records.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.dropped.Load()
}

// Close closes the channel and waits for all workers to drain. Safe to call twice.
func (h *AsyncHandler) Close() {
	h.state.once.Do(func() {
		h.state.mu.Lock()
		h.state.closed.Store(true)
		close(h.state.ch)
		h.state.mu.Unlock()
		h.state.wg.Wait()
	})
}
