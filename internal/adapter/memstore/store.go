// Package memstore implements the task store as a mutex-protected map with
// debounced, size-bounded JSON snapshots.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
	"github.com/Strob0t/Switchyard/internal/snapshot"
)

var _ taskstore.Store = (*Store)(nil)

// Options configures a Store.
type Options struct {
	Path             string
	MaxTasks         int
	MaxSnapshotBytes int64
	Debounce         time.Duration
}

// Store is the authoritative task record store.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*task.Task
	order    []string // creation order, oldest first
	seq      uint64
	flags    task.Flags
	maxTasks int

	writer *snapshot.Writer
	now    func() time.Time
}

// Open loads the snapshot at opts.Path (if usable) and starts the snapshot writer.
func Open(opts Options) (*Store, error) {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = 1000
	}
	s := &Store{
		tasks:    make(map[string]*task.Task),
		maxTasks: opts.MaxTasks,
		now:      time.Now,
	}
	file := snapshot.File{Path: opts.Path, MaxBytes: opts.MaxSnapshotBytes}
	if err := s.load(file); err != nil {
		return nil, err
	}
	s.writer = snapshot.NewWriter(file, opts.Debounce, s.Snapshot)
	return s, nil
}

func (s *Store) load(file snapshot.File) error {
	data, err := file.Read()
	if err != nil {
		if errors.Is(err, snapshot.ErrTooLarge) {
			slog.Warn("task snapshot too large, starting empty", "path", file.Path, "error", err)
			return nil
		}
		return fmt.Errorf("read task snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var snap task.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("task snapshot unparseable, starting empty", "path", file.Path, "error", err)
		return nil
	}

	sort.SliceStable(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Seq < snap.Tasks[j].Seq })
	for i := range snap.Tasks {
		t := snap.Tasks[i]
		if t.ID == "" || !t.Status.Valid() {
			continue
		}
		if t.Logs == nil {
			t.Logs = []string{}
		}
		s.tasks[t.ID] = &t
		s.order = append(s.order, t.ID)
		if t.Seq > s.seq {
			s.seq = t.Seq
		}
	}
	s.flags = task.Flags{PaidMode: snap.PaidMode, AutonomyLevel: snap.AutonomyLevel}
	s.evictLocked()

	slog.Info("task snapshot loaded", "path", file.Path, "tasks", len(s.order))
	return nil
}

// Snapshot renders the persisted document.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	snap := task.Snapshot{
		Tasks:         make([]task.Task, 0, len(s.order)),
		PaidMode:      s.flags.PaidMode,
		AutonomyLevel: s.flags.AutonomyLevel,
	}
	for _, id := range s.order {
		snap.Tasks = append(snap.Tasks, *s.tasks[id])
	}
	data, err := json.Marshal(snap)
	s.mu.RUnlock()
	return data, err
}

// Create stores a new PENDING task.
func (s *Store) Create(_ context.Context, content string) (*task.Task, error) {
	now := s.now().UTC()

	s.mu.Lock()
	s.seq++
	t := &task.Task{
		ID:        uuid.NewString(),
		Seq:       s.seq,
		Content:   content,
		Status:    task.StatusPending,
		Logs:      []string{},
		Context:   map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	s.evictLocked()
	c := t.Clone()
	s.mu.Unlock()

	s.writer.MarkDirty()
	return &c, nil
}

// evictLocked drops the oldest tasks beyond maxTasks.
func (s *Store) evictLocked() {
	over := len(s.order) - s.maxTasks
	if over <= 0 {
		return
	}
	for _, id := range s.order[:over] {
		delete(s.tasks, id)
	}
	s.order = append([]string(nil), s.order[over:]...)
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	c := t.Clone()
	return &c, nil
}

// List returns copies of all tasks in creation order.
func (s *Store) List() []task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// UpdateStatus transitions the task and waits for the snapshot write.
func (s *Store) UpdateStatus(ctx context.Context, id string, status task.Status, result *string) error {
	return s.transition(ctx, id, nil, status, result)
}

// UpdateStatusFrom transitions only if the task is currently in from.
func (s *Store) UpdateStatusFrom(ctx context.Context, id string, from, to task.Status, result *string) error {
	return s.transition(ctx, id, &from, to, result)
}

func (s *Store) transition(ctx context.Context, id string, from *task.Status, to task.Status, result *string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if from != nil && t.Status != *from {
		cur := t.Status
		s.mu.Unlock()
		return fmt.Errorf("task %s is %s, expected %s: %w", id, cur, *from, domain.ErrConflict)
	}
	if err := task.CheckTransition(t.Status, to); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, err)
	}
	t.Status = to
	if result != nil {
		r := *result
		t.Result = &r
	}
	t.UpdatedAt = s.now().UTC()
	s.mu.Unlock()

	if err := s.writer.Sync(ctx); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}
	return nil
}

// AddLog appends a line to the task log.
func (s *Store) AddLog(id, msg string) error {
	return s.mutate(id, func(t *task.Task) {
		t.Logs = append(t.Logs, msg)
	})
}

// SetContext sets one context key. The value is stored in its JSON form
// (maps, slices, float64, string, bool) so a reloaded snapshot renders the
// same bytes as the one written.
func (s *Store) SetContext(id, key string, value any) error {
	value, err := jsonNative(value)
	if err != nil {
		return fmt.Errorf("task %s context %q: %w", id, key, err)
	}
	return s.mutate(id, func(t *task.Task) {
		if t.Context == nil {
			t.Context = make(map[string]any)
		}
		t.Context[key] = value
	})
}

func jsonNative(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetContextUsed records the knowledge items consulted for the task.
func (s *Store) SetContextUsed(id string, used *task.ContextUsed) error {
	return s.mutate(id, func(t *task.Task) {
		t.ContextUsed = used
	})
}

func (s *Store) mutate(id string, fn func(*task.Task)) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	fn(t)
	t.UpdatedAt = s.now().UTC()
	s.mu.Unlock()

	s.writer.MarkDirty()
	return nil
}

// Flags returns the engine-wide flags.
func (s *Store) Flags() task.Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// SetFlags replaces the engine-wide flags.
func (s *Store) SetFlags(f task.Flags) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
	s.writer.MarkDirty()
}

// Flush waits until all pending changes are on disk.
func (s *Store) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Close writes outstanding changes and stops the writer.
func (s *Store) Close(ctx context.Context) error {
	return s.writer.Close(ctx)
}
