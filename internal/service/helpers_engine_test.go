package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/adapter/memstore"
	"github.com/Strob0t/Switchyard/internal/domain/task"
)

// mockEvents records broadcast events.
type mockEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	eventType string
	payload   any
}

func (m *mockEvents) BroadcastEvent(_ context.Context, eventType string, payload any) {
	m.mu.Lock()
	m.events = append(m.events, recordedEvent{eventType, payload})
	m.mu.Unlock()
}

func (m *mockEvents) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.eventType
	}
	return out
}

func (m *mockEvents) has(eventType string) bool {
	for _, t := range m.types() {
		if t == eventType {
			return true
		}
	}
	return false
}

func newTestStore(t *testing.T) *memstore.Store {
	t.Helper()
	s, err := memstore.Open(memstore.Options{
		Path:     filepath.Join(t.TempDir(), "tasks.json"),
		MaxTasks: 1000,
		Debounce: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// createWithStatus creates a task and walks it to status.
func createWithStatus(t *testing.T, s *memstore.Store, status task.Status) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk, err := s.Create(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	switch status {
	case task.StatusProcessing:
		mustUpdate(t, s, tk.ID, task.StatusProcessing)
	case task.StatusCompleted:
		mustUpdate(t, s, tk.ID, task.StatusProcessing)
		mustUpdate(t, s, tk.ID, task.StatusCompleted)
	case task.StatusFailed:
		mustUpdate(t, s, tk.ID, task.StatusFailed)
	}
	got, _ := s.Get(tk.ID)
	return got
}

func mustUpdate(t *testing.T, s *memstore.Store, id string, status task.Status) {
	t.Helper()
	if err := s.UpdateStatus(context.Background(), id, status, nil); err != nil {
		t.Fatal(err)
	}
}

func mustStatus(t *testing.T, s *memstore.Store, id string) task.Status {
	t.Helper()
	tk, err := s.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return tk.Status
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
