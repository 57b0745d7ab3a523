package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

func queueCfg(ceiling int) config.Queue {
	return config.Queue{MaxConcurrent: ceiling, CeilingEnabled: true, PollInterval: 10 * time.Millisecond}
}

func (s *QueueService) lineLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.admitting)
}

func TestQueueRegisterNilHandle(t *testing.T) {
	q := NewQueueService(newTestStore(t), &mockEvents{}, queueCfg(2))
	if err := q.RegisterTask("t1", nil); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if err := q.Admit(context.Background(), "t1", nil, false); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle from Admit, got %v", err)
	}
	if _, n := q.CheckCapacity(); n != 0 {
		t.Errorf("nothing should be registered, got %d", n)
	}
}

func TestQueueCheckCapacity(t *testing.T) {
	q := NewQueueService(newTestStore(t), nil, queueCfg(1))
	if ok, n := q.CheckCapacity(); !ok || n != 0 {
		t.Fatalf("expected capacity, got %v %d", ok, n)
	}
	_ = q.RegisterTask("a", func(error) {})
	if ok, n := q.CheckCapacity(); ok || n != 1 {
		t.Fatalf("expected full, got %v %d", ok, n)
	}
	q.UnregisterTask("a")
	q.UnregisterTask("a")
	if ok, _ := q.CheckCapacity(); !ok {
		t.Fatal("expected capacity after unregister")
	}
}

func TestQueueCeilingDisabled(t *testing.T) {
	q := NewQueueService(newTestStore(t), nil, config.Queue{MaxConcurrent: 0, CeilingEnabled: false, PollInterval: time.Millisecond})
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Admit(context.Background(), id, func(error) {}, false); err != nil {
			t.Fatal(err)
		}
	}
	if ok, n := q.CheckCapacity(); !ok || n != 3 {
		t.Errorf("disabled ceiling should always allow, got %v %d", ok, n)
	}
}

func TestQueueCapacityInvariant(t *testing.T) {
	const ceiling = 2
	q := NewQueueService(newTestStore(t), nil, queueCfg(ceiling))

	var (
		running atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := string(rune('a' + i))
			if err := q.Admit(context.Background(), id, func(error) {}, i%2 == 0); err != nil {
				t.Error(err)
				return
			}
			if _, n := q.CheckCapacity(); n > ceiling {
				t.Errorf("active %d exceeds ceiling", n)
			}
			cur := running.Add(1)
			for {
				old := maxSeen.Load()
				if cur <= old || maxSeen.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			q.UnregisterTask(id)
		}()
	}
	wg.Wait()
	if m := maxSeen.Load(); m > ceiling {
		t.Errorf("observed %d concurrent tasks, ceiling %d", m, ceiling)
	}
}

func TestQueueAdmitIsFIFO(t *testing.T) {
	q := NewQueueService(newTestStore(t), nil, queueCfg(1))
	_ = q.RegisterTask("occupant", func(error) {})

	admitted := make(chan string, 2)
	go func() {
		_ = q.Admit(context.Background(), "first", func(error) {}, false)
		admitted <- "first"
	}()
	eventually(t, func() bool { return q.lineLen() == 1 }, "first queued")
	go func() {
		_ = q.Admit(context.Background(), "second", func(error) {}, false)
		admitted <- "second"
	}()
	eventually(t, func() bool { return q.lineLen() == 2 }, "second queued")

	q.UnregisterTask("occupant")
	if got := <-admitted; got != "first" {
		t.Fatalf("expected first admitted first, got %s", got)
	}
	select {
	case got := <-admitted:
		t.Fatalf("%s admitted above the ceiling", got)
	case <-time.After(50 * time.Millisecond):
	}
	q.UnregisterTask("first")
	if got := <-admitted; got != "second" {
		t.Fatalf("expected second, got %s", got)
	}
}

func TestQueueFastPathRespectsCeiling(t *testing.T) {
	q := NewQueueService(newTestStore(t), nil, queueCfg(1))
	_ = q.RegisterTask("occupant", func(error) {})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Admit(ctx, "fast", func(error) {}, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("fast path must wait for capacity, got %v", err)
	}
	if q.IsActive("fast") {
		t.Error("timed-out admission must not be registered")
	}
}

func TestQueueFastPathSkipsLine(t *testing.T) {
	q := NewQueueService(newTestStore(t), nil, queueCfg(2))
	// An admission that has not been woken yet sits at the head of the line.
	q.mu.Lock()
	q.line = append(q.line, &admission{id: "queued"})
	q.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := q.Admit(ctx, "slow", func(error) {}, false); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued admission must wait its turn, got %v", err)
	}
	if err := q.Admit(context.Background(), "fast", func(error) {}, true); err != nil {
		t.Fatal(err)
	}
	if !q.IsActive("fast") {
		t.Error("expected fast task to be active")
	}
}

func TestQueuePauseBlocksAdmission(t *testing.T) {
	events := &mockEvents{}
	q := NewQueueService(newTestStore(t), events, queueCfg(4))
	q.Pause(context.Background())

	done := make(chan error, 1)
	go func() { done <- q.Admit(context.Background(), "t", func(error) {}, true) }()

	select {
	case <-done:
		t.Fatal("admission should block while paused")
	case <-time.After(50 * time.Millisecond):
	}

	res := q.Resume(context.Background())
	if !res.Success {
		t.Fatalf("resume failed: %+v", res)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !events.has(broadcast.EventQueuePaused) || !events.has(broadcast.EventQueueResumed) {
		t.Errorf("expected pause/resume events, got %v", events.types())
	}
}

func TestQueuePurgeTouchesOnlyPending(t *testing.T) {
	store := newTestStore(t)
	events := &mockEvents{}
	q := NewQueueService(store, events, queueCfg(4))

	pending := createWithStatus(t, store, task.StatusPending)
	processing := createWithStatus(t, store, task.StatusProcessing)
	completed := createWithStatus(t, store, task.StatusCompleted)

	res := q.Purge(context.Background())
	if !res.Success || res.Count != 1 {
		t.Fatalf("expected 1 purged, got %+v", res)
	}

	got, _ := store.Get(pending.ID)
	if got.Status != task.StatusFailed || got.ResultText() != task.ResultPurged {
		t.Errorf("pending task: %s %q", got.Status, got.ResultText())
	}
	if mustStatus(t, store, processing.ID) != task.StatusProcessing {
		t.Error("processing task must not be purged")
	}
	if mustStatus(t, store, completed.ID) != task.StatusCompleted {
		t.Error("completed task must not be purged")
	}
	if !events.has(broadcast.EventQueuePurged) {
		t.Error("expected queue.purged event")
	}
}

func TestQueuePurgeCancelsWaitingAdmissions(t *testing.T) {
	store := newTestStore(t)
	q := NewQueueService(store, nil, queueCfg(1))
	q.Pause(context.Background())

	tk := createWithStatus(t, store, task.StatusPending)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	done := make(chan error, 1)
	go func() { done <- q.Admit(ctx, tk.ID, cancel, false) }()
	eventually(t, func() bool { return q.lineLen() == 1 }, "admission waiting")

	q.Purge(context.Background())
	err := <-done
	var env *failure.Envelope
	if !errors.As(err, &env) || env.Code != failure.CodePurged {
		t.Fatalf("expected purge cause, got %v", err)
	}
	if q.lineLen() != 0 {
		t.Error("line should be empty after purge")
	}
}

func TestQueueAbortNegativeOutcomes(t *testing.T) {
	store := newTestStore(t)
	q := NewQueueService(store, nil, queueCfg(4))

	pending := createWithStatus(t, store, task.StatusPending)
	noHandle := createWithStatus(t, store, task.StatusProcessing)
	done := createWithStatus(t, store, task.StatusCompleted)

	tests := []struct {
		name string
		id   string
		want task.Status
	}{
		{"missing", "does-not-exist", ""},
		{"pending", pending.ID, task.StatusPending},
		{"processing without handle", noHandle.ID, task.StatusProcessing},
		{"completed", done.ID, task.StatusCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := q.AbortTask(context.Background(), tt.id)
			if res.Success {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.Message == "" {
				t.Error("expected a message")
			}
			if tt.want != "" {
				got, _ := store.Get(tt.id)
				if got.Status != tt.want || got.Result != nil || len(got.Logs) != 0 {
					t.Errorf("task mutated: %+v", got)
				}
			}
		})
	}
}

func TestQueueAbortProcessing(t *testing.T) {
	store := newTestStore(t)
	events := &mockEvents{}
	q := NewQueueService(store, events, queueCfg(4))

	tk := createWithStatus(t, store, task.StatusProcessing)
	ctx, cancel := context.WithCancelCause(context.Background())
	_ = q.RegisterTask(tk.ID, cancel)

	res := q.AbortTask(context.Background(), tk.ID)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if !errors.Is(context.Cause(ctx), CauseAborted) {
		t.Errorf("expected abort cause, got %v", context.Cause(ctx))
	}
	got, _ := store.Get(tk.ID)
	if got.Status != task.StatusFailed || got.ResultText() != task.ResultAborted {
		t.Errorf("unexpected task %s %q", got.Status, got.ResultText())
	}
	if q.IsActive(tk.ID) {
		t.Error("handle should be unregistered")
	}
	if !events.has(broadcast.EventTaskAborted) {
		t.Error("expected task.aborted event")
	}
}

func TestQueueEmergencyStop(t *testing.T) {
	store := newTestStore(t)
	events := &mockEvents{}
	q := NewQueueService(store, events, queueCfg(4))

	var cancels []context.Context
	for range 2 {
		tk := createWithStatus(t, store, task.StatusProcessing)
		ctx, cancel := context.WithCancelCause(context.Background())
		cancels = append(cancels, ctx)
		_ = q.RegisterTask(tk.ID, cancel)
	}
	pending := createWithStatus(t, store, task.StatusPending)

	res := q.EmergencyStop(context.Background())
	if res.Aborted != 2 || res.Purged != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	for i, ctx := range cancels {
		if ctx.Err() == nil {
			t.Errorf("handle %d not cancelled", i)
		}
	}
	if mustStatus(t, store, pending.ID) != task.StatusFailed {
		t.Error("pending task should be failed")
	}
	st := q.Status()
	if !st.Paused || st.ActiveCount != 0 || st.ProcessingCount != 0 || st.PendingCount != 0 {
		t.Errorf("unexpected status after stop: %+v", st)
	}
	if !events.has(broadcast.EventQueueEmergencyStop) {
		t.Error("expected queue.emergency_stop event")
	}
}

func TestQueueStatusIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	q := NewQueueService(store, nil, queueCfg(3))
	createWithStatus(t, store, task.StatusPending)
	createWithStatus(t, store, task.StatusProcessing)
	_ = q.RegisterTask("x", func(error) {})

	first := q.Status()
	second := q.Status()
	if first != second {
		t.Errorf("Status changed between calls: %+v vs %+v", first, second)
	}
	want := QueueStatus{Paused: false, PendingCount: 1, ActiveCount: 1, ProcessingCount: 1, Ceiling: 3}
	if first != want {
		t.Errorf("got %+v, want %+v", first, want)
	}
}
