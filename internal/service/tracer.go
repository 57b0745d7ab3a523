package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
	"github.com/Strob0t/Switchyard/internal/port/learning"
	"github.com/Strob0t/Switchyard/internal/snapshot"
)

const (
	defaultTraceLimit = 50
	maxTraceLimit     = 500
)

// TraceStepEvent is broadcast for every recorded step.
type TraceStepEvent struct {
	TraceID string     `json:"trace_id"`
	Step    trace.Step `json:"step"`
}

// TracerService owns Trace mutation: the append-only step log per request,
// its persistence and the liveness watchdog.
type TracerService struct {
	cfg    config.Tracer
	events broadcast.Broadcaster

	mu     sync.RWMutex
	traces map[string]*trace.Trace
	order  []string // creation order

	writer   *snapshot.Writer
	feedback learning.FeedbackSource
	onLost   func(ctx context.Context, id string)
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
	cron     *cron.Cron
}

// NewTracerService loads persisted traces and starts the snapshot writer.
func NewTracerService(cfg config.Tracer, events broadcast.Broadcaster) (*TracerService, error) {
	if events == nil {
		events = broadcast.Nop{}
	}
	if cfg.PromptPreviewLen <= 0 {
		cfg.PromptPreviewLen = 200
	}
	s := &TracerService{
		cfg:    cfg,
		events: events,
		traces: make(map[string]*trace.Trace),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	file := snapshot.File{Path: cfg.SnapshotPath}
	if err := s.load(file); err != nil {
		return nil, err
	}
	s.writer = snapshot.NewWriter(file, cfg.Debounce, s.Snapshot)
	return s, nil
}

func (s *TracerService) load(file snapshot.File) error {
	data, err := file.Read()
	if err != nil {
		return fmt.Errorf("read trace snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var list []trace.Trace
	if err := json.Unmarshal(data, &list); err != nil {
		slog.Warn("trace snapshot unparseable, starting empty", "path", file.Path, "error", err)
		return nil
	}
	for i := range list {
		tr := list[i]
		if tr.ID == "" {
			continue
		}
		if tr.Steps == nil {
			tr.Steps = []trace.Step{}
		}
		if _, dup := s.traces[tr.ID]; !dup {
			s.order = append(s.order, tr.ID)
		}
		s.traces[tr.ID] = &tr
	}
	slog.Info("trace snapshot loaded", "path", file.Path, "traces", len(s.order))
	return nil
}

// Snapshot renders all traces in creation order.
func (s *TracerService) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]trace.Trace, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, *s.traces[id])
	}
	return json.Marshal(list)
}

// SetOnLost registers the callback invoked for every trace the watchdog marks LOST.
func (s *TracerService) SetOnLost(fn func(ctx context.Context, id string)) {
	s.mu.Lock()
	s.onLost = fn
	s.mu.Unlock()
}

// ReconcileFeedback copies feedback from src onto loaded traces. Failures only log.
func (s *TracerService) ReconcileFeedback(ctx context.Context, src learning.FeedbackSource) {
	s.mu.Lock()
	s.feedback = src
	s.mu.Unlock()
	if src == nil {
		return
	}

	all, err := src.ListFeedback(ctx)
	if err != nil {
		slog.Warn("feedback reconcile failed", "error", err)
		return
	}
	n := 0
	s.mu.Lock()
	for id, fb := range all {
		tr, ok := s.traces[id]
		if !ok {
			continue
		}
		if tr.Feedback == nil || !sameFeedback(*tr.Feedback, fb) {
			f := fb
			tr.Feedback = &f
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.writer.MarkDirty()
		slog.Info("feedback reconciled", "updated", n)
	}
}

// CreateTrace starts a PENDING trace for a request.
func (s *TracerService) CreateTrace(id, prompt, sessionID string) trace.Trace {
	now := s.now().UTC()
	tr := &trace.Trace{
		ID:            id,
		PromptPreview: trace.Preview(prompt, s.cfg.PromptPreviewLen),
		SessionID:     sessionID,
		Status:        trace.StatusPending,
		CreatedAt:     now,
		LastActivity:  now,
		Steps:         []trace.Step{},
	}
	s.mu.Lock()
	if _, exists := s.traces[id]; !exists {
		s.order = append(s.order, id)
	}
	s.traces[id] = tr
	c := tr.Clone()
	s.mu.Unlock()

	s.writer.MarkDirty()
	return c
}

// mutate applies fn to an existing trace and refreshes last_activity.
// It reports false, with a warning, when the trace does not exist.
func (s *TracerService) mutate(id, op string, fn func(tr *trace.Trace) bool) bool {
	s.mu.Lock()
	tr, ok := s.traces[id]
	if !ok {
		s.mu.Unlock()
		slog.Warn("trace not found", "trace_id", id, "op", op)
		return false
	}
	changed := fn(tr)
	if changed {
		tr.LastActivity = s.now().UTC()
	}
	s.mu.Unlock()

	if changed {
		s.writer.MarkDirty()
	}
	return changed
}

// AddStep appends a step. Missing traces are a no-op.
func (s *TracerService) AddStep(ctx context.Context, id, component, action string, status trace.StepStatus, details map[string]any) {
	var step trace.Step
	ok := s.mutate(id, "add_step", func(tr *trace.Trace) bool {
		step = trace.Step{
			Component: component,
			Action:    action,
			Timestamp: s.now().UTC(),
			Status:    status,
			Details:   details,
		}
		tr.Steps = append(tr.Steps, step)
		return true
	})
	if ok {
		s.events.BroadcastEvent(ctx, broadcast.EventTraceStep, TraceStepEvent{TraceID: id, Step: step})
	}
}

// UpdateStatus changes the trace status. finished_at is set exactly when the
// new status is terminal. Terminal traces do not change and LOST is reserved
// for the watchdog; both cases report false.
func (s *TracerService) UpdateStatus(id string, status trace.Status) bool {
	if status == trace.StatusLost {
		slog.Warn("trace status LOST can only be set by the watchdog", "trace_id", id)
		return false
	}
	return s.mutate(id, "update_status", func(tr *trace.Trace) bool {
		if tr.Status.IsTerminal() {
			slog.Debug("ignoring status change on finished trace", "trace_id", id, "status", tr.Status, "requested", status)
			return false
		}
		tr.Status = status
		if status.IsTerminal() {
			f := s.now().UTC()
			tr.FinishedAt = &f
		} else {
			tr.FinishedAt = nil
		}
		return true
	})
}

// SetErrorMetadata stores the failure envelope.
func (s *TracerService) SetErrorMetadata(id string, meta map[string]any) {
	s.mutate(id, "set_error", func(tr *trace.Trace) bool {
		tr.Error = meta
		return true
	})
}

// SetRuntimeMetadata records the runtime binding.
func (s *TracerService) SetRuntimeMetadata(id string, rt trace.RuntimeMetadata) {
	s.mutate(id, "set_runtime", func(tr *trace.Trace) bool {
		tr.Runtime = &rt
		return true
	})
}

// SetForcedRoute records a caller override.
func (s *TracerService) SetForcedRoute(id string, fr trace.ForcedRoute) {
	s.mutate(id, "set_forced_route", func(tr *trace.Trace) bool {
		tr.ForcedRoute = &fr
		return true
	})
}

// SetFeedback attaches user feedback and forwards it to the feedback source.
func (s *TracerService) SetFeedback(ctx context.Context, id string, fb trace.Feedback) error {
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now().UTC()
	}
	if !s.mutate(id, "set_feedback", func(tr *trace.Trace) bool {
		tr.Feedback = &fb
		return true
	}) {
		return fmt.Errorf("trace %s: %w", id, domain.ErrNotFound)
	}

	s.mu.RLock()
	src := s.feedback
	s.mu.RUnlock()
	if src != nil {
		if err := src.SaveFeedback(ctx, id, fb); err != nil {
			slog.Warn("persist feedback failed", "trace_id", id, "error", err)
		}
	}
	return nil
}

// Get returns a copy of the trace.
func (s *TracerService) Get(id string) (*trace.Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.traces[id]
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", id, domain.ErrNotFound)
	}
	c := tr.Clone()
	return &c, nil
}

// List returns traces newest first, optionally filtered by status.
func (s *TracerService) List(f trace.Filter) trace.Page {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = defaultTraceLimit
	}
	f.Limit = min(f.Limit, maxTraceLimit)

	s.mu.RLock()
	matched := make([]*trace.Trace, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		tr := s.traces[s.order[i]]
		if f.Status != "" && tr.Status != f.Status {
			continue
		}
		matched = append(matched, tr)
	}
	page := trace.Page{Total: len(matched), Offset: f.Offset, Limit: f.Limit, Traces: []trace.Trace{}}
	for i := f.Offset; i < len(matched) && i < f.Offset+f.Limit; i++ {
		page.Traces = append(page.Traces, matched[i].Clone())
	}
	s.mu.RUnlock()
	return page
}

// ClearOldTraces removes finished traces created more than days ago and
// returns how many were removed. Traces still in flight are kept.
func (s *TracerService) ClearOldTraces(days int) int {
	if days < 0 {
		return 0
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	s.mu.Lock()
	kept := s.order[:0]
	removed := 0
	for _, id := range s.order {
		tr := s.traces[id]
		if tr.Status.IsTerminal() && !tr.CreatedAt.After(cutoff) {
			delete(s.traces, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	s.mu.Unlock()

	if removed > 0 {
		s.writer.MarkDirty()
		slog.Info("old traces cleared", "removed", removed, "days", days)
	}
	return removed
}

// Flush waits until every change is on disk.
func (s *TracerService) Flush(ctx context.Context) error {
	return s.writer.Flush(ctx)
}

// Close stops the watchdog and retention job and writes outstanding changes.
func (s *TracerService) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	return s.writer.Close(ctx)
}

func sameFeedback(a, b trace.Feedback) bool {
	return a.Rating == b.Rating && a.Comment == b.Comment && a.Source == b.Source && a.CreatedAt.Equal(b.CreatedAt)
}
