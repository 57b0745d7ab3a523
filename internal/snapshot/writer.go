package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Sync after Close.
var ErrClosed = errors.New("snapshot writer closed")

// RenderFunc serialises the current state. It is called from the writer goroutine.
type RenderFunc func() ([]byte, error)

type waiter struct {
	gen uint64
	ch  chan error
}

// Writer coalesces change notifications into debounced writes performed by a
// single goroutine. Each change bumps a generation counter; waiters registered
// by Sync and Flush are released once a write covering their generation lands.
type Writer struct {
	file     File
	render   RenderFunc
	debounce time.Duration

	mu      sync.Mutex
	dirty   uint64
	written uint64
	waiters []waiter
	closed  bool

	wake   chan struct{}
	urgent chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewWriter starts the writer goroutine. Call Close to stop it.
func NewWriter(file File, debounce time.Duration, render RenderFunc) *Writer {
	w := &Writer{
		file:     file,
		render:   render,
		debounce: debounce,
		wake:     make(chan struct{}, 1),
		urgent:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// MarkDirty schedules a debounced write.
func (w *Writer) MarkDirty() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.dirty++
	w.mu.Unlock()
	signal(w.wake)
}

// Sync marks the state dirty and waits until it is written.
func (w *Writer) Sync(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.dirty++
	ch := w.addWaiterLocked(w.dirty)
	w.mu.Unlock()
	signal(w.urgent)
	return wait(ctx, ch)
}

// Flush waits until every change marked so far is written.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.dirty == w.written {
		w.mu.Unlock()
		return nil
	}
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	ch := w.addWaiterLocked(w.dirty)
	w.mu.Unlock()
	signal(w.urgent)
	return wait(ctx, ch)
}

// Close performs a final write and stops the goroutine.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.stop)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dirty != w.written {
		return errors.New("snapshot writer closed with unwritten changes")
	}
	return nil
}

func (w *Writer) addWaiterLocked(gen uint64) chan error {
	ch := make(chan error, 1)
	w.waiters = append(w.waiters, waiter{gen: gen, ch: ch})
	return ch
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			w.write()
			return
		case <-w.urgent:
		case <-w.wake:
			if w.debounce > 0 {
				t := time.NewTimer(w.debounce)
				select {
				case <-t.C:
				case <-w.urgent:
					t.Stop()
				case <-w.stop:
					t.Stop()
					w.write()
					return
				}
			}
		}
		w.write()
	}
}

func (w *Writer) write() {
	w.mu.Lock()
	gen := w.dirty
	if gen == w.written {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	data, err := w.render()
	if err == nil {
		err = w.file.Write(data)
	}
	if err != nil {
		slog.Warn("snapshot write failed", "path", w.file.Path, "error", err)
	}

	w.mu.Lock()
	if err == nil {
		w.written = gen
	}
	kept := w.waiters[:0]
	for _, wt := range w.waiters {
		if wt.gen <= gen {
			wt.ch <- err
			continue
		}
		kept = append(kept, wt)
	}
	w.waiters = kept
	w.mu.Unlock()
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func wait(ctx context.Context, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
