package main

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/adapter/litellm"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/service"
)

func TestAgentFactoryModelFallback(t *testing.T) {
	f := agentFactory(litellm.NewClient("http://localhost:4000", "", 0))

	if _, err := f("chat", service.WorkerSpec{}, service.Backend{Name: "local", Model: "m1"}); err != nil {
		t.Errorf("backend model should be used: %v", err)
	}
	if _, err := f("chat", service.WorkerSpec{Model: "m2"}, service.Backend{Name: "local"}); err != nil {
		t.Errorf("worker model should be used: %v", err)
	}
	if _, err := f("chat", service.WorkerSpec{}, service.Backend{Name: "local"}); err == nil {
		t.Error("expected error without any model")
	}
}

func TestIntentsFollowDispatchTable(t *testing.T) {
	routes := &service.Routes{
		Backends: []service.Backend{{Name: "local", Model: "m1"}},
		Workers: map[string]service.WorkerSpec{
			"Chat": {},
			"code": {},
		},
	}
	if err := routes.Validate(); err != nil {
		t.Fatal(err)
	}
	factory := agentFactory(litellm.NewClient("http://localhost:4000", "", 0))
	snap, err := service.BuildSnapshot(routes, factory)
	if err != nil {
		t.Fatal(err)
	}
	d := service.NewDispatchTable(snap)
	intents := intentsOf(d)

	if got := intents(); !slices.Equal(got, []string{"chat", "code"}) {
		t.Errorf("got %v", got)
	}

	routes.Workers["search"] = service.WorkerSpec{}
	snap, err = service.BuildSnapshot(routes, factory)
	if err != nil {
		t.Fatal(err)
	}
	d.Swap(snap)
	if got := intents(); len(got) != 3 {
		t.Errorf("intents should track reloads, got %v", got)
	}
}

func TestClassifierCacheWithoutBus(t *testing.T) {
	c, closeFn, err := classifierCache(context.Background(), config.Cache{L1MaxSizeMB: 1}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if c == nil {
		t.Fatal("expected an l1 cache")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" http://a.test ,, http://b.test ")
	if !slices.Equal(got, []string{"http://a.test", "http://b.test"}) {
		t.Errorf("got %v", got)
	}
	if splitList("") != nil {
		t.Error("empty input should give nil")
	}
}

type storedFeedback struct {
	all   map[string]trace.Feedback
	block bool
}

func (s *storedFeedback) SaveFeedback(context.Context, string, trace.Feedback) error { return nil }

func (s *storedFeedback) ListFeedback(ctx context.Context) (map[string]trace.Feedback, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.all, nil
}

func newTracer(t *testing.T) *service.TracerService {
	t.Helper()
	cfg := config.Defaults().Tracer
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "traces.json")
	tr, err := service.NewTracerService(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestReconcileFeedbackCompletesBeforeReturn(t *testing.T) {
	tracer := newTracer(t)
	tracer.CreateTrace("t1", "hello", "")
	src := &storedFeedback{all: map[string]trace.Feedback{"t1": {Rating: 5, Comment: "great"}}}

	reconcileFeedback(context.Background(), tracer, src, time.Second)

	got, err := tracer.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Feedback == nil || got.Feedback.Rating != 5 {
		t.Fatalf("feedback should be restored on return, got %+v", got.Feedback)
	}
}

func TestReconcileFeedbackBounded(t *testing.T) {
	tracer := newTracer(t)
	start := time.Now()

	reconcileFeedback(context.Background(), tracer, &storedFeedback{block: true}, 50*time.Millisecond)

	if d := time.Since(start); d > 2*time.Second {
		t.Fatalf("reconcile should give up after its timeout, took %v", d)
	}
}
