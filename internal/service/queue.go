package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
)

// ErrInvalidHandle is returned when a task is registered without a cancel handle.
var ErrInvalidHandle = errors.New("invalid cancel handle")

// Cancellation causes attached to a run's context by operator controls.
var (
	CauseAborted = failure.New(failure.CodeAborted, failure.ClassCancelled, "", task.ResultAborted)
	CausePurged  = failure.New(failure.CodePurged, failure.ClassCancelled, "", task.ResultPurged)
	CauseStopped = failure.New(failure.CodeAborted, failure.ClassCancelled, "", task.ResultStopped)
	CauseLost    = failure.New(failure.CodeLost, failure.ClassCancelled, "", task.ResultLost)
)

// ControlResult is the outcome of an operator control. Negative outcomes are
// reported here rather than as errors.
type ControlResult struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Count   int      `json:"count,omitempty"`
	TaskIDs []string `json:"task_ids,omitempty"`
}

// EmergencyStopResult reports what an emergency stop touched.
type EmergencyStopResult struct {
	Aborted        int      `json:"aborted"`
	Purged         int      `json:"purged"`
	AbortedTaskIDs []string `json:"aborted_task_ids,omitempty"`
	PurgedTaskIDs  []string `json:"purged_task_ids,omitempty"`
}

// QueueStatus is a point-in-time view of the admission controller.
type QueueStatus struct {
	Paused          bool `json:"paused"`
	PendingCount    int  `json:"pending_count"`
	ActiveCount     int  `json:"active_count"`
	ProcessingCount int  `json:"processing_count"`
	Ceiling         int  `json:"ceiling"`
}

type activeHandle struct {
	cancel  context.CancelCauseFunc
	started time.Time
}

type admission struct {
	id     string
	fast   bool
	cancel context.CancelCauseFunc
}

// QueueService is the admission controller: it owns active-task handles, the
// concurrency ceiling and the operator controls.
type QueueService struct {
	store  taskstore.Store
	events broadcast.Broadcaster
	cfg    config.Queue

	mu        sync.Mutex
	active    map[string]*activeHandle
	line      []*admission // FIFO of non-fast admissions
	admitting map[string]*admission
	paused    bool
	notify    chan struct{} // closed and replaced on every state change
}

// NewQueueService creates the admission controller.
func NewQueueService(store taskstore.Store, events broadcast.Broadcaster, cfg config.Queue) *QueueService {
	if events == nil {
		events = broadcast.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &QueueService{
		store:     store,
		events:    events,
		cfg:       cfg,
		active:    make(map[string]*activeHandle),
		admitting: make(map[string]*admission),
		notify:    make(chan struct{}),
	}
}

// broadcastLocked wakes every goroutine waiting in Admit.
func (s *QueueService) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *QueueService) hasCapacityLocked() bool {
	return !s.cfg.CeilingEnabled || len(s.active) < s.cfg.MaxConcurrent
}

// CheckCapacity reports whether another task may start and how many are active.
func (s *QueueService) CheckCapacity() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasCapacityLocked(), len(s.active)
}

// RegisterTask records the cancel handle of a running task.
func (s *QueueService) RegisterTask(id string, cancel context.CancelCauseFunc) error {
	if cancel == nil {
		return fmt.Errorf("register %s: %w", id, ErrInvalidHandle)
	}
	s.mu.Lock()
	s.active[id] = &activeHandle{cancel: cancel, started: time.Now()}
	s.mu.Unlock()
	return nil
}

// UnregisterTask removes the handle of a finished task. Unknown ids are ignored.
func (s *QueueService) UnregisterTask(id string) {
	s.mu.Lock()
	if _, ok := s.active[id]; ok {
		delete(s.active, id)
		s.broadcastLocked()
	}
	s.mu.Unlock()
}

// IsActive reports whether a handle is registered for id.
func (s *QueueService) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Admit blocks until the task may run, then registers its handle. It waits
// while the queue is paused and, unless fast is set, behind earlier
// admissions. The ceiling is never exceeded. It returns the context's cause
// if the wait is cancelled.
func (s *QueueService) Admit(ctx context.Context, id string, cancel context.CancelCauseFunc, fast bool) error {
	if cancel == nil {
		return fmt.Errorf("admit %s: %w", id, ErrInvalidHandle)
	}
	entry := &admission{id: id, fast: fast, cancel: cancel}

	s.mu.Lock()
	s.admitting[id] = entry
	if !fast {
		s.line = append(s.line, entry)
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if ctx.Err() != nil {
			s.leaveLocked(entry)
			s.mu.Unlock()
			return context.Cause(ctx)
		}
		if !s.paused && s.hasCapacityLocked() && (fast || s.line[0] == entry) {
			s.leaveLocked(entry)
			s.active[id] = &activeHandle{cancel: cancel, started: time.Now()}
			s.mu.Unlock()
			return nil
		}
		notify := s.notify
		s.mu.Unlock()

		select {
		case <-ctx.Done():
		case <-notify:
		case <-timer.C:
			timer.Reset(s.cfg.PollInterval)
		}
	}
}

func (s *QueueService) leaveLocked(entry *admission) {
	delete(s.admitting, entry.id)
	if !entry.fast {
		if i := slices.Index(s.line, entry); i >= 0 {
			s.line = slices.Delete(s.line, i, i+1)
		}
	}
	s.broadcastLocked()
}

// Paused reports whether admission is paused.
func (s *QueueService) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause stops new admissions. Running tasks are unaffected.
func (s *QueueService) Pause(ctx context.Context) ControlResult {
	s.mu.Lock()
	already := s.paused
	s.paused = true
	s.mu.Unlock()

	s.emit(ctx, broadcast.EventQueuePaused, map[string]any{"paused": true})
	if already {
		return ControlResult{Success: true, Message: "queue already paused"}
	}
	slog.Info("queue paused")
	return ControlResult{Success: true, Message: "queue paused"}
}

// Resume reopens admission.
func (s *QueueService) Resume(ctx context.Context) ControlResult {
	s.mu.Lock()
	was := s.paused
	s.paused = false
	s.broadcastLocked()
	s.mu.Unlock()

	s.emit(ctx, broadcast.EventQueueResumed, map[string]any{"paused": false})
	if !was {
		return ControlResult{Success: true, Message: "queue was not paused"}
	}
	slog.Info("queue resumed")
	return ControlResult{Success: true, Message: "queue resumed"}
}

// Purge fails every PENDING task and cancels waiting admissions.
func (s *QueueService) Purge(ctx context.Context) ControlResult {
	ids := s.purge(ctx)
	s.emit(ctx, broadcast.EventQueuePurged, map[string]any{"count": len(ids), "task_ids": ids})
	slog.Info("queue purged", "count", len(ids))
	return ControlResult{
		Success: true,
		Message: fmt.Sprintf("%d pending tasks purged", len(ids)),
		Count:   len(ids),
		TaskIDs: ids,
	}
}

func (s *QueueService) purge(ctx context.Context) []string {
	result := task.ResultPurged
	var ids []string
	for _, t := range s.store.List() {
		if t.Status != task.StatusPending {
			continue
		}
		if err := s.store.SetContext(t.ID, task.CtxError, atStage(CausePurged, failure.StageAdmission).Map()); err != nil {
			continue
		}
		err := s.store.UpdateStatusFrom(ctx, t.ID, task.StatusPending, task.StatusFailed, &result)
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				slog.Warn("purge task failed", "task_id", t.ID, "error", err)
			}
			continue
		}
		_ = s.store.AddLog(t.ID, result)
		ids = append(ids, t.ID)
	}

	s.mu.Lock()
	waiting := make([]*admission, 0, len(s.admitting))
	for _, a := range s.admitting {
		waiting = append(waiting, a)
	}
	s.mu.Unlock()
	for _, a := range waiting {
		a.cancel(CausePurged)
	}
	return ids
}

// atStage copies a shared cancellation cause with the stage it hit.
func atStage(cause *failure.Envelope, stage failure.Stage) *failure.Envelope {
	env := *cause
	env.Stage = stage
	return &env
}

// AbortTask cancels and fails a PROCESSING task. Any other state is reported
// as an unsuccessful result and nothing is changed.
func (s *QueueService) AbortTask(ctx context.Context, id string) ControlResult {
	t, err := s.store.Get(id)
	if err != nil {
		return ControlResult{Success: false, Message: fmt.Sprintf("task %s not found", id)}
	}
	if t.Status != task.StatusProcessing {
		return ControlResult{Success: false, Message: fmt.Sprintf("task %s is %s; only PROCESSING tasks can be aborted", id, t.Status)}
	}

	s.mu.Lock()
	h, ok := s.active[id]
	if ok {
		delete(s.active, id)
		s.broadcastLocked()
	}
	s.mu.Unlock()
	if !ok {
		return ControlResult{Success: false, Message: fmt.Sprintf("task %s has no active handle", id)}
	}

	h.cancel(CauseAborted)
	if !s.failRunning(ctx, id, CauseAborted, task.ResultAborted) {
		return ControlResult{Success: false, Message: fmt.Sprintf("task %s finished before it could be aborted", id)}
	}

	s.emit(ctx, broadcast.EventTaskAborted, map[string]any{"task_id": id})
	slog.Info("task aborted", "task_id", id)
	return ControlResult{Success: true, Message: "task aborted", Count: 1, TaskIDs: []string{id}}
}

// failRunning moves a PROCESSING task to FAILED. It reports false when the
// task already left PROCESSING.
func (s *QueueService) failRunning(ctx context.Context, id string, cause *failure.Envelope, result string) bool {
	t, err := s.store.Get(id)
	if err != nil || t.Status != task.StatusProcessing {
		return false
	}
	_ = s.store.SetContext(id, task.CtxError, atStage(cause, failure.StageExecution).Map())
	if err := s.store.UpdateStatusFrom(ctx, id, task.StatusProcessing, task.StatusFailed, &result); err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrInvalidTransition) {
			slog.Warn("fail running task", "task_id", id, "error", err)
		}
		return false
	}
	_ = s.store.AddLog(id, result)
	return true
}

// EmergencyStop pauses admission, cancels and fails every active task and
// purges the pending ones. The queue stays paused afterwards.
func (s *QueueService) EmergencyStop(ctx context.Context) EmergencyStopResult {
	s.mu.Lock()
	s.paused = true
	handles := s.active
	s.active = make(map[string]*activeHandle)
	s.broadcastLocked()
	s.mu.Unlock()

	var (
		mu      sync.Mutex
		aborted []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for id, h := range handles {
		g.Go(func() error {
			h.cancel(CauseStopped)
			if s.failRunning(gctx, id, CauseStopped, task.ResultStopped) {
				mu.Lock()
				aborted = append(aborted, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	purged := s.purge(ctx)
	res := EmergencyStopResult{
		Aborted:        len(aborted),
		Purged:         len(purged),
		AbortedTaskIDs: aborted,
		PurgedTaskIDs:  purged,
	}
	s.emit(ctx, broadcast.EventQueueEmergencyStop, res)
	slog.Warn("emergency stop", "aborted", res.Aborted, "purged", res.Purged)
	return res
}

// CancelTask cancels an active run with the given cause without touching the
// task record. It reports whether a handle was found.
func (s *QueueService) CancelTask(id string, cause error) bool {
	s.mu.Lock()
	h, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		h.cancel(cause)
	}
	return ok
}

// Status returns counts derived from the store and the handle registry.
func (s *QueueService) Status() QueueStatus {
	st := QueueStatus{}
	for _, t := range s.store.List() {
		switch t.Status {
		case task.StatusPending:
			st.PendingCount++
		case task.StatusProcessing:
			st.ProcessingCount++
		}
	}
	s.mu.Lock()
	st.Paused = s.paused
	st.ActiveCount = len(s.active)
	if s.cfg.CeilingEnabled {
		st.Ceiling = s.cfg.MaxConcurrent
	}
	s.mu.Unlock()
	return st
}

func (s *QueueService) emit(ctx context.Context, eventType string, payload any) {
	s.events.BroadcastEvent(ctx, eventType, payload)
}
