package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tracerCfg(dir string) config.Tracer {
	return config.Tracer{
		SnapshotPath:      filepath.Join(dir, "traces.json"),
		PromptPreviewLen:  200,
		WatchdogInterval:  time.Minute,
		InactivityTimeout: 5 * time.Minute,
		Debounce:          5 * time.Millisecond,
	}
}

func newTestTracer(t *testing.T, events broadcast.Broadcaster) (*TracerService, *fakeClock) {
	t.Helper()
	tr, err := NewTracerService(tracerCfg(t.TempDir()), events)
	if err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr.now = clock.Now
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr, clock
}

type mockFeedbackSource struct {
	mu    sync.Mutex
	saved map[string]trace.Feedback
	list  map[string]trace.Feedback
	err   error
}

func (m *mockFeedbackSource) SaveFeedback(_ context.Context, id string, fb trace.Feedback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]trace.Feedback)
	}
	m.saved[id] = fb
	return nil
}

func (m *mockFeedbackSource) ListFeedback(context.Context) (map[string]trace.Feedback, error) {
	return m.list, m.err
}

func TestTracerCreateTruncatesPreview(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	created := tr.CreateTrace("t1", strings.Repeat("ü", 300), "s1")
	if n := len([]rune(created.PromptPreview)); n != 200 {
		t.Errorf("expected 200-rune preview, got %d", n)
	}
	if created.Status != trace.StatusPending || created.FinishedAt != nil {
		t.Errorf("unexpected new trace %+v", created)
	}
}

func TestTracerAddStepMissingIsNoop(t *testing.T) {
	events := &mockEvents{}
	tr, _ := newTestTracer(t, events)
	tr.AddStep(context.Background(), "missing", "pipeline", "admitted", trace.StepOK, nil)
	if len(events.types()) != 0 {
		t.Error("no event expected for a missing trace")
	}
	if _, err := tr.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTracerStepsAreOrderedAndRefreshActivity(t *testing.T) {
	events := &mockEvents{}
	tr, clock := newTestTracer(t, events)
	tr.CreateTrace("t1", "hello", "")

	for _, a := range []string{"admitted", "context_built", "intent_resolved"} {
		clock.Advance(time.Second)
		tr.AddStep(context.Background(), "t1", "pipeline", a, trace.StepOK, nil)
	}
	got, _ := tr.Get("t1")
	if len(got.Steps) != 3 || got.Steps[0].Action != "admitted" || got.Steps[2].Action != "intent_resolved" {
		t.Fatalf("unexpected steps %+v", got.Steps)
	}
	if !got.LastActivity.Equal(clock.Now()) {
		t.Errorf("last_activity not refreshed: %v", got.LastActivity)
	}
	if !events.has(broadcast.EventTraceStep) {
		t.Error("expected trace.step events")
	}
}

func TestTracerFinishedAtIffTerminal(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	tr.CreateTrace("t1", "x", "")

	tr.UpdateStatus("t1", trace.StatusProcessing)
	if got, _ := tr.Get("t1"); got.FinishedAt != nil {
		t.Fatal("finished_at must be unset while processing")
	}
	tr.UpdateStatus("t1", trace.StatusCompleted)
	got, _ := tr.Get("t1")
	if got.FinishedAt == nil {
		t.Fatal("finished_at must be set when completed")
	}
	if tr.UpdateStatus("t1", trace.StatusFailed) {
		t.Error("terminal trace must not change")
	}
	if got, _ := tr.Get("t1"); got.Status != trace.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.Status)
	}
}

func TestTracerLostOnlyByWatchdog(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	tr.CreateTrace("t1", "x", "")
	tr.UpdateStatus("t1", trace.StatusProcessing)
	if tr.UpdateStatus("t1", trace.StatusLost) {
		t.Fatal("UpdateStatus must refuse LOST")
	}
}

func TestWatchdogMarksOnlyStaleProcessing(t *testing.T) {
	events := &mockEvents{}
	tr, clock := newTestTracer(t, events)
	ctx := context.Background()

	tr.CreateTrace("stale", "x", "")
	tr.UpdateStatus("stale", trace.StatusProcessing)
	tr.CreateTrace("pending", "x", "")
	tr.CreateTrace("done", "x", "")
	tr.UpdateStatus("done", trace.StatusProcessing)
	tr.UpdateStatus("done", trace.StatusCompleted)

	clock.Advance(4 * time.Minute)
	tr.CreateTrace("fresh", "x", "")
	tr.UpdateStatus("fresh", trace.StatusProcessing)

	var lostIDs []string
	tr.SetOnLost(func(_ context.Context, id string) { lostIDs = append(lostIDs, id) })

	if got := tr.SweepLost(ctx); len(got) != 0 {
		t.Fatalf("nothing is stale yet, got %v", got)
	}

	clock.Advance(2 * time.Minute)
	got := tr.SweepLost(ctx)
	if len(got) != 1 || got[0] != "stale" {
		t.Fatalf("expected only stale to be lost, got %v", got)
	}
	if len(lostIDs) != 1 || lostIDs[0] != "stale" {
		t.Errorf("OnLost callback not invoked correctly: %v", lostIDs)
	}

	lost, _ := tr.Get("stale")
	if lost.Status != trace.StatusLost || lost.FinishedAt == nil {
		t.Errorf("unexpected lost trace %+v", lost)
	}
	last := lost.Steps[len(lost.Steps)-1]
	if last.Component != "watchdog" || last.Action != "timeout" || last.Status != trace.StepError {
		t.Errorf("expected watchdog/timeout step, got %+v", last)
	}
	for id, want := range map[string]trace.Status{"pending": trace.StatusPending, "done": trace.StatusCompleted, "fresh": trace.StatusProcessing} {
		if got, _ := tr.Get(id); got.Status != want {
			t.Errorf("%s: expected %s, got %s", id, want, got.Status)
		}
	}
	if !events.has(broadcast.EventTraceLost) {
		t.Error("expected trace.lost event")
	}
}

func TestTracerListFilterAndPagination(t *testing.T) {
	tr, clock := newTestTracer(t, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		clock.Advance(time.Second)
		tr.CreateTrace(id, id, "")
	}
	tr.UpdateStatus("b", trace.StatusFailed)
	tr.UpdateStatus("d", trace.StatusFailed)

	page := tr.List(trace.Filter{Limit: 2})
	if page.Total != 5 || len(page.Traces) != 2 || page.Traces[0].ID != "e" || page.Traces[1].ID != "d" {
		t.Fatalf("unexpected first page %+v", page)
	}
	page = tr.List(trace.Filter{Offset: 4, Limit: 2})
	if len(page.Traces) != 1 || page.Traces[0].ID != "a" {
		t.Fatalf("unexpected last page %+v", page)
	}
	failed := tr.List(trace.Filter{Status: trace.StatusFailed})
	if failed.Total != 2 || failed.Traces[0].ID != "d" || failed.Traces[1].ID != "b" {
		t.Fatalf("unexpected filtered list %+v", failed)
	}
	again := tr.List(trace.Filter{Status: trace.StatusFailed})
	if again.Total != failed.Total || len(again.Traces) != len(failed.Traces) {
		t.Error("List must be idempotent")
	}
	if empty := tr.List(trace.Filter{Offset: 10}); len(empty.Traces) != 0 || empty.Traces == nil {
		t.Errorf("expected empty non-nil page, got %+v", empty.Traces)
	}
}

func TestClearOldTraces(t *testing.T) {
	tr, clock := newTestTracer(t, nil)
	tr.CreateTrace("old-done", "x", "")
	tr.UpdateStatus("old-done", trace.StatusCompleted)
	tr.CreateTrace("old-running", "x", "")
	tr.UpdateStatus("old-running", trace.StatusProcessing)

	clock.Advance(10 * 24 * time.Hour)
	tr.CreateTrace("new-done", "x", "")
	tr.UpdateStatus("new-done", trace.StatusCompleted)

	if n := tr.ClearOldTraces(7); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, err := tr.Get("old-done"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("old finished trace should be removed")
	}
	for _, id := range []string{"old-running", "new-done"} {
		if _, err := tr.Get(id); err != nil {
			t.Errorf("%s should be kept: %v", id, err)
		}
	}
	if n := tr.ClearOldTraces(-1); n != 0 {
		t.Error("negative days must not remove anything")
	}
}

func TestTracerSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := tracerCfg(dir)
	ctx := context.Background()

	t1, err := NewTracerService(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t1.CreateTrace("a", "first prompt", "s1")
	t1.UpdateStatus("a", trace.StatusProcessing)
	t1.AddStep(ctx, "a", "gate", "gate.direct", trace.StepOK, map[string]any{"reason": "default"})
	t1.SetRuntimeMetadata("a", trace.RuntimeMetadata{Backend: "litellm", Model: "gpt", ContextWindow: 8192})
	t1.SetForcedRoute("a", trace.ForcedRoute{Intent: "code"})
	t1.SetErrorMetadata("a", map[string]any{"code": "agent_error"})
	t1.UpdateStatus("a", trace.StatusFailed)
	t1.CreateTrace("b", "second", "")
	if err := t1.Close(ctx); err != nil {
		t.Fatal(err)
	}

	written, err := os.ReadFile(cfg.SnapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := NewTracerService(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = t2.Close(ctx) }()
	rendered, err := t2.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, rendered) {
		t.Errorf("trace snapshot did not round-trip:\n%s\n%s", written, rendered)
	}
}

func TestTracerFeedback(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	tr.CreateTrace("a", "x", "")
	tr.CreateTrace("b", "x", "")

	src := &mockFeedbackSource{list: map[string]trace.Feedback{
		"a":       {Rating: 5, Comment: "great"},
		"unknown": {Rating: 1},
	}}
	tr.ReconcileFeedback(context.Background(), src)

	got, _ := tr.Get("a")
	if got.Feedback == nil || got.Feedback.Rating != 5 {
		t.Fatalf("expected reconciled feedback, got %+v", got.Feedback)
	}

	if err := tr.SetFeedback(context.Background(), "b", trace.Feedback{Rating: 2}); err != nil {
		t.Fatal(err)
	}
	if fb, ok := src.saved["b"]; !ok || fb.Rating != 2 || fb.CreatedAt.IsZero() {
		t.Errorf("feedback not forwarded: %+v", src.saved)
	}
	if err := tr.SetFeedback(context.Background(), "missing", trace.Feedback{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTracerReconcileFailureOnlyLogs(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	tr.CreateTrace("a", "x", "")
	tr.ReconcileFeedback(context.Background(), &mockFeedbackSource{err: errors.New("db down")})
	if got, _ := tr.Get("a"); got.Feedback != nil {
		t.Error("no feedback expected")
	}
}

func TestStartRetentionRejectsBadSpec(t *testing.T) {
	tr, _ := newTestTracer(t, nil)
	if err := tr.StartRetention("not a cron spec", 30); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := tr.StartRetention("@daily", 30); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
