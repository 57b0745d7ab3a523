package fswatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherDebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var reloads atomic.Int32
	w, err := New(path, 100*time.Millisecond, func(context.Context) error {
		reloads.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	for i := range 3 {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return reloads.Load() >= 1 })
	time.Sleep(300 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("expected one debounced reload, got %d", n)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)
	if n := reloads.Load(); n != 1 {
		t.Errorf("unrelated write triggered reload, got %d", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestWatcherReloadErrorKeepsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	w, err := New(path, 20*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return errors.New("bad yaml")
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(path, []byte("y"), 0o600)
	waitFor(t, func() bool { return calls.Load() == 1 })
	_ = os.WriteFile(path, []byte("z"), 0o600)
	waitFor(t, func() bool { return calls.Load() == 2 })
}

func TestNewValidates(t *testing.T) {
	if _, err := New("", 0, func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := New("routes.yaml", 0, nil); err == nil {
		t.Error("expected error for nil reload")
	}
	w, err := New("routes.yaml", 0, func(context.Context) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if w.debounce != defaultDebounce || !filepath.IsAbs(w.path) {
		t.Errorf("unexpected defaults %+v", w)
	}
}
