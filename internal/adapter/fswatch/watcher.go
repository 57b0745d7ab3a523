// Package fswatch reloads a file-backed configuration when the file changes.
package fswatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher calls a reload function after the watched file settles.
type Watcher struct {
	path     string
	debounce time.Duration
	reload   func(ctx context.Context) error

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for path. Editors often write a file in several
// steps, so reload runs once events stop for debounce.
func New(path string, debounce time.Duration, reload func(ctx context.Context) error) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("watch path required")
	}
	if reload == nil {
		return nil, errors.New("reload function required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, reload: reload}, nil
}

// Run watches until ctx is cancelled. The parent directory is watched so
// atomic renames over the file are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	slog.Info("watching file", "path", w.path)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				w.schedule(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(ev.Name) == w.path
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx); err != nil {
			slog.Error("reload failed, keeping previous version", "path", w.path, "error", err)
			return
		}
		slog.Info("reloaded", "path", w.path)
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
