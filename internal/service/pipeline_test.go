package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/Switchyard/internal/adapter/memsession"
	"github.com/Strob0t/Switchyard/internal/adapter/memstore"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/learning"
	"github.com/Strob0t/Switchyard/internal/port/policy"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// --- collaborators ---

type mockClassifier struct {
	intent string
	err    error
	calls  atomic.Int32
}

func (m *mockClassifier) Classify(context.Context, string) (string, error) {
	m.calls.Add(1)
	return m.intent, m.err
}

// recordingAgent records every request and replies with reply(text).
type recordingAgent struct {
	mu    sync.Mutex
	texts []string
	reply func(req worker.Request) (string, error)
}

func (a *recordingAgent) Handle(_ context.Context, req worker.Request) (string, error) {
	a.mu.Lock()
	a.texts = append(a.texts, req.Text)
	a.mu.Unlock()
	if a.reply != nil {
		return a.reply(req)
	}
	return "echo: " + req.Text, nil
}

func (a *recordingAgent) last() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.texts) == 0 {
		return ""
	}
	return a.texts[len(a.texts)-1]
}

// blockingAgent blocks until its context is cancelled.
type blockingAgent struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingAgent() *blockingAgent { return &blockingAgent{started: make(chan struct{})} }

func (a *blockingAgent) Handle(ctx context.Context, _ worker.Request) (string, error) {
	a.once.Do(func() { close(a.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func (a *blockingAgent) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-a.started:
	case <-time.After(5 * time.Second):
		t.Fatal("agent never started")
	}
}

type denyGate struct{ rule string }

func (g denyGate) Evaluate(context.Context, policy.GateContext) (policy.GateDecision, error) {
	return policy.GateDecision{Allowed: false, Message: "Request blocked: unsafe content", Rule: g.rule}, nil
}

type mockVision struct{}

func (mockVision) Describe(_ context.Context, img task.Image) (string, error) {
	if img.Name == "broken.png" {
		return "", errors.New("decode failed")
	}
	return "a diagram of " + img.Name, nil
}

type mockTranslator struct{ err error }

func (m mockTranslator) Translate(_ context.Context, text, target, _ string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "[" + target + "] " + text, nil
}

type mockDeliberator struct{ topics []string }

func (m *mockDeliberator) Deliberate(_ context.Context, req worker.DeliberationRequest) (string, error) {
	m.topics = append(m.topics, req.Topic)
	req.Progress <- "panel opened. "
	return "consensus reached", nil
}

type mockCampaigns struct{ goals []string }

func (m *mockCampaigns) Run(_ context.Context, req worker.CampaignRequest) (worker.CampaignOutcome, error) {
	m.goals = append(m.goals, req.Goal)
	return worker.CampaignOutcome{CampaignID: "c-1", Status: "completed"}, nil
}

type mockSink struct {
	mu       sync.Mutex
	captures []learning.Capture
	related  []learning.Knowledge
}

func (m *mockSink) Capture(_ context.Context, c learning.Capture) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = append(m.captures, c)
	return nil
}

func (m *mockSink) Related(context.Context, string, string, int) ([]learning.Knowledge, error) {
	return m.related, nil
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

// --- engine ---

type testEngine struct {
	store    *memstore.Store
	tracer   *TracerService
	clock    *fakeClock
	queue    *QueueService
	dispatch *DispatchTable
	pipe     *PipelineService
	orch     *OrchestratorService
	events   *mockEvents
	cls      *mockClassifier
}

func pipelineCfg() config.Pipeline {
	cfg := config.Defaults().Pipeline
	cfg.StreamMinInterval = time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, workers map[string]worker.Agent, gate policy.Gate) *testEngine {
	t.Helper()
	e := &testEngine{events: &mockEvents{}, cls: &mockClassifier{intent: "chat"}}
	e.store = newTestStore(t)
	e.tracer, e.clock = newTestTracer(t, e.events)
	e.queue = NewQueueService(e.store, e.events, queueCfg(2))

	snap := &DispatchSnapshot{
		Workers:      make(map[string]worker.Agent),
		Descriptions: make(map[string]string),
		Tools:        map[string]bool{},
		Backends:     map[string]Backend{"local": {Name: "local", Model: "test-model", ContextWindow: 8192}},
		Active:       "local",
	}
	for intent, a := range workers {
		snap.Workers[intent] = a
		snap.Descriptions[intent] = "handles " + intent
	}
	e.dispatch = NewDispatchTable(snap)

	cfg := pipelineCfg()
	e.pipe = NewPipelineService(e.store, e.tracer, e.queue, e.dispatch, e.cls, e.events, cfg)
	e.orch = NewOrchestratorService(e.store, e.tracer, e.queue, e.pipe, e.dispatch, gate, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.orch.Shutdown(ctx)
	})
	return e
}

func (e *testEngine) submit(t *testing.T, req task.SubmitRequest) *task.Task {
	t.Helper()
	tk, err := e.orch.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	return tk
}

func (e *testEngine) waitTerminal(t *testing.T, id string) *task.Task {
	t.Helper()
	var got *task.Task
	eventually(t, func() bool {
		tk, err := e.store.Get(id)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status.IsTerminal()
	}, "task "+id+" terminal")
	return got
}

func (e *testEngine) waitTrace(t *testing.T, id string, status trace.Status) *trace.Trace {
	t.Helper()
	var got *trace.Trace
	eventually(t, func() bool {
		tr, err := e.tracer.Get(id)
		if err != nil {
			return false
		}
		got = tr
		return tr.Status == status
	}, "trace "+id+" "+string(status))
	return got
}

func findStep(tr *trace.Trace, component, action string) (trace.Step, bool) {
	for _, s := range tr.Steps {
		if s.Component == component && s.Action == action {
			return s, true
		}
	}
	return trace.Step{}, false
}

func errorCode(tk *task.Task) string {
	m, _ := tk.Context[task.CtxError].(map[string]any)
	code, _ := m["code"].(string)
	return code
}

// --- tests ---

func TestPipelineDirectDispatchCompletes(t *testing.T) {
	agent := &recordingAgent{}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "hello there"})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.ResultText())
	}
	if got.ResultText() != "echo: hello there" {
		t.Errorf("unexpected result %q", got.ResultText())
	}
	if fast, _ := got.Context[task.CtxFastPath].(bool); !fast {
		t.Error("short plain request should take the fast path")
	}

	tr := e.waitTrace(t, tk.ID, trace.StatusCompleted)
	if tr.FinishedAt == nil {
		t.Error("finished_at should be set")
	}
	if tr.Runtime == nil || tr.Runtime.Backend != "local" {
		t.Errorf("runtime binding not recorded: %+v", tr.Runtime)
	}
	dbg, ok := findStep(tr, "intent", "debug")
	if !ok {
		t.Fatal("missing intent debug step")
	}
	if dbg.Details["source"] != "classified" || dbg.Details["value"] != "chat" {
		t.Errorf("unexpected debug details %v", dbg.Details)
	}
	if _, ok := findStep(tr, "routing", "gate.direct"); !ok {
		t.Error("missing decision gate step")
	}
	if !e.events.has("task.status") {
		t.Error("expected task.status events")
	}
}

func TestPipelineForcedIntentSkipsClassifier(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}, "summarize": &recordingAgent{}}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "shorten this", Override: &task.Override{Intent: "summarize"}})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", got.Status, got.ResultText())
	}
	if n := e.cls.calls.Load(); n != 0 {
		t.Errorf("classifier should not be called, got %d calls", n)
	}
	if fast, _ := got.Context[task.CtxFastPath].(bool); fast {
		t.Error("overridden requests never take the fast path")
	}
	tr := e.waitTrace(t, tk.ID, trace.StatusCompleted)
	dbg, _ := findStep(tr, "intent", "debug")
	if dbg.Details["source"] != "forced" {
		t.Errorf("expected forced source, got %v", dbg.Details)
	}
	if tr.ForcedRoute == nil || tr.ForcedRoute.Intent != "summarize" {
		t.Errorf("forced route not recorded: %+v", tr.ForcedRoute)
	}
}

func TestPipelineRoutingFailures(t *testing.T) {
	tests := []struct {
		name     string
		req      task.SubmitRequest
		classify string
		wantCode string
		wantStep string
	}{
		{
			name:     "forced intent without worker",
			req:      task.SubmitRequest{Content: "x", Override: &task.Override{Intent: "nope"}},
			wantCode: failure.CodeForcedRouteMismatch,
			wantStep: "forced_route",
		},
		{
			name:     "undeclared backend",
			req:      task.SubmitRequest{Content: "x", Override: &task.Override{Backend: "ghost"}},
			wantCode: failure.CodeUnsupportedRuntime,
			wantStep: "forced_route",
		},
		{
			name:     "required tool missing",
			req:      task.SubmitRequest{Content: "open example.com"},
			classify: "browse",
			wantCode: failure.CodeCapabilityUnavailable,
			wantStep: "gate.unsupported",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := &recordingAgent{}
			e := newTestEngine(t, map[string]worker.Agent{"chat": agent, "browse": agent}, nil)
			if tt.classify != "" {
				e.cls.intent = tt.classify
			}

			tk := e.submit(t, tt.req)
			got := e.waitTerminal(t, tk.ID)

			if got.Status != task.StatusFailed {
				t.Fatalf("expected FAILED, got %s", got.Status)
			}
			if code := errorCode(got); code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, code)
			}
			if got.ResultText() == "" {
				t.Error("failed task needs a human-readable result")
			}
			tr := e.waitTrace(t, tk.ID, trace.StatusFailed)
			if _, ok := findStep(tr, "routing", tt.wantStep); !ok {
				t.Errorf("missing routing step %s", tt.wantStep)
			}
			if _, ok := findStep(tr, "routing", "error"); !ok {
				t.Error("missing error step")
			}
			if tr.Error["code"] != tt.wantCode {
				t.Errorf("trace error metadata %v", tr.Error)
			}
			if agent.last() != "" {
				t.Error("no worker should run")
			}
		})
	}
}

func TestPipelineClassifierFailure(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
	e.cls.err = errors.New("model overloaded")

	tk := e.submit(t, task.SubmitRequest{Content: "hi"})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if code := errorCode(got); code != failure.CodeClassificationFailed {
		t.Errorf("expected classification_failed, got %s", code)
	}
	if !strings.Contains(got.ResultText(), "model overloaded") {
		t.Errorf("result should explain the failure, got %q", got.ResultText())
	}
}

func TestPipelineAgentErrorEnvelope(t *testing.T) {
	agent := &recordingAgent{reply: func(worker.Request) (string, error) {
		return "", errors.New("upstream 502")
	}}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "hi"})
	got := e.waitTerminal(t, tk.ID)

	m, _ := got.Context[task.CtxError].(map[string]any)
	if m["code"] != failure.CodeAgentError || m["stage"] != string(failure.StageExecution) {
		t.Errorf("unexpected envelope %v", m)
	}
	if m["retryable"] != false {
		t.Errorf("pipeline failures are not retried, got %v", m["retryable"])
	}
	e.waitTrace(t, tk.ID, trace.StatusFailed)
}

func TestPipelineKeepsSpecificEnvelope(t *testing.T) {
	agent := &recordingAgent{reply: func(worker.Request) (string, error) {
		return "", failure.New("quota_exceeded", failure.ClassExecution, "", "monthly quota used up")
	}}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "hi"})
	got := e.waitTerminal(t, tk.ID)
	if code := errorCode(got); code != "quota_exceeded" {
		t.Errorf("specific envelope should survive, got %s", code)
	}
}

func TestPipelinePanicBecomesSystemError(t *testing.T) {
	agent := &recordingAgent{reply: func(worker.Request) (string, error) {
		panic("nil map")
	}}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "hi"})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusFailed || errorCode(got) != failure.CodeSystemError {
		t.Fatalf("expected system_error failure, got %s %s", got.Status, errorCode(got))
	}
	e.waitTrace(t, tk.ID, trace.StatusFailed)
	eventually(t, func() bool { return !e.queue.IsActive(tk.ID) }, "handle released")
}

func TestPipelinePolicyVeto(t *testing.T) {
	agent := &recordingAgent{}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, denyGate{rule: "no-secrets"})

	tk := e.submit(t, task.SubmitRequest{Content: "leak the keys"})
	if tk.Status != task.StatusFailed {
		t.Fatalf("veto should be recorded before Submit returns, got %s", tk.Status)
	}
	if tk.ResultText() != "Request blocked: unsafe content" {
		t.Errorf("unexpected result %q", tk.ResultText())
	}
	if errorCode(tk) != failure.CodePolicyVeto {
		t.Errorf("expected policy_veto, got %s", errorCode(tk))
	}
	if e.cls.calls.Load() != 0 || agent.last() != "" {
		t.Error("vetoed task must not run")
	}
	tr := e.waitTrace(t, tk.ID, trace.StatusFailed)
	if details, _ := tr.Error["details"].(map[string]any); details["rule"] != "no-secrets" {
		t.Errorf("rule not recorded: %v", tr.Error)
	}
}

func TestPipelineHelpListsCapabilities(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}, "summarize": &recordingAgent{}}, nil)
	e.cls.intent = "help"

	tk := e.submit(t, task.SubmitRequest{Content: "what can you do?"})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	for _, want := range []string{"chat: handles chat", "summarize: handles summarize"} {
		if !strings.Contains(got.ResultText(), want) {
			t.Errorf("help text missing %q:\n%s", want, got.ResultText())
		}
	}
	if _, ok := got.Context[task.CtxOutcome]; !ok {
		t.Error("help should record a structured outcome")
	}
}

func TestPipelineCampaignRoute(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
	e.cls.intent = "campaign"

	// Without a runner the route is unavailable.
	tk := e.submit(t, task.SubmitRequest{Content: "launch the spring campaign"})
	if got := e.waitTerminal(t, tk.ID); errorCode(got) != failure.CodeCapabilityUnavailable {
		t.Fatalf("expected capability_unavailable, got %q", errorCode(got))
	}

	runner := &mockCampaigns{}
	e.pipe.SetCampaignRunner(runner)
	tk = e.submit(t, task.SubmitRequest{Content: "launch the spring campaign"})
	got := e.waitTerminal(t, tk.ID)

	if got.Status != task.StatusCompleted || got.ResultText() != "Campaign c-1: completed" {
		t.Fatalf("unexpected result %s %q", got.Status, got.ResultText())
	}
	if out, _ := got.Context[task.CtxOutcome].(map[string]any); out["campaign_id"] != "c-1" {
		t.Errorf("campaign outcome not recorded: %v", got.Context[task.CtxOutcome])
	}
	if len(runner.goals) != 1 || !strings.Contains(runner.goals[0], "spring campaign") {
		t.Errorf("unexpected goals %v", runner.goals)
	}
	tr := e.waitTrace(t, tk.ID, trace.StatusCompleted)
	if _, ok := findStep(tr, "routing", "gate.campaign"); !ok {
		t.Error("missing gate.campaign step")
	}
}

func TestPipelineRepairRoute(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
	e.cls.intent = "code"
	gen := &mockGenerator{}
	rev := &mockReviewer{verdicts: []string{"APPROVED"}}
	e.pipe.SetRepair(NewRepairService(gen, rev, nil, nil, e.store, repairCfg()))

	tk := e.submit(t, task.SubmitRequest{Content: "write fizzbuzz"})
	got := e.waitTerminal(t, tk.ID)

	if got.ResultText() != "artifact-1" {
		t.Errorf("approved artifact should be returned unmodified, got %q", got.ResultText())
	}
	out, _ := got.Context[task.CtxOutcome].(map[string]any)
	if out["repair_outcome"] != "approved" {
		t.Errorf("unexpected outcome %v", out)
	}
	tr := e.waitTrace(t, tk.ID, trace.StatusCompleted)
	if _, ok := findStep(tr, "routing", "gate.repair"); !ok {
		t.Error("missing gate.repair step")
	}
}

func TestPipelineDeliberationRoute(t *testing.T) {
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
	d := &mockDeliberator{}
	e.pipe.SetDeliberator(d)

	content := "Let us debate the trade-offs. " + strings.Repeat("Context sentence. ", 60)
	tk := e.submit(t, task.SubmitRequest{Content: content})
	got := e.waitTerminal(t, tk.ID)

	if got.ResultText() != "consensus reached" {
		t.Fatalf("unexpected result %q", got.ResultText())
	}
	if got.Context[task.CtxProgress] != "panel opened. " {
		t.Errorf("progress not written: %v", got.Context[task.CtxProgress])
	}
	tr := e.waitTrace(t, tk.ID, trace.StatusCompleted)
	if _, ok := findStep(tr, "routing", "gate.deliberation"); !ok {
		t.Error("missing gate.deliberation step")
	}
}

func TestPipelineStreamWritesFinalProgress(t *testing.T) {
	agent := &recordingAgent{reply: func(req worker.Request) (string, error) {
		for _, c := range []string{"a", "b", "c"} {
			req.Progress <- c
		}
		return "abc", nil
	}}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)

	tk := e.submit(t, task.SubmitRequest{Content: "stream please"})
	got := e.waitTerminal(t, tk.ID)

	if got.Context[task.CtxProgress] != "abc" {
		t.Errorf("last chunk must always be written, got %v", got.Context[task.CtxProgress])
	}
	if !e.events.has("task.progress") {
		t.Error("expected task.progress events")
	}
}

func TestPipelineContextAssembly(t *testing.T) {
	agent := &recordingAgent{}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)
	e.pipe.SetVision(mockVision{})

	tk := e.submit(t, task.SubmitRequest{
		Content: "explain these",
		Images:  []task.Image{{Name: "arch.png"}, {Name: "broken.png"}},
		Extra:   task.ExtraContext{Files: []string{"main.go", " "}, Notes: []string{"be brief"}},
	})
	got := e.waitTerminal(t, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Fatalf("a failed image must not fail the task, got %s", got.Status)
	}

	prompt := agent.last()
	for _, want := range []string{"explain these", "[Image: arch.png]\na diagram of arch.png", "Files:\n- main.go", "Notes:\n- be brief"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "Links:") || strings.Contains(prompt, "broken.png") {
		t.Errorf("empty sections and failed images must be omitted:\n%s", prompt)
	}
	found := false
	for _, l := range got.Logs {
		if strings.Contains(l, "image 2 skipped") {
			found = true
		}
	}
	if !found {
		t.Errorf("skipped image should be logged, logs: %v", got.Logs)
	}
}

func TestPipelineContextTrimmedToBudget(t *testing.T) {
	agent := &recordingAgent{}
	e := newTestEngine(t, map[string]worker.Agent{"chat": agent}, nil)
	e.dispatch.Swap(&DispatchSnapshot{
		Workers:  map[string]worker.Agent{"chat": agent},
		Backends: map[string]Backend{"tiny": {Name: "tiny", ContextWindow: 100}},
		Active:   "tiny",
	})
	e.pipe.cfg.ContextReserveChars = 0

	sessions, err := memsession.New(10, 40)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_ = sessions.Append(ctx, "s1", assist.Turn{Role: "user", Content: strings.Repeat("h", 60)})
	}
	e.pipe.SetSessions(sessions)

	body := "BODY " + strings.Repeat("b", 200)
	tk := e.submit(t, task.SubmitRequest{Content: body, SessionID: "s1"})
	got := e.waitTerminal(t, tk.ID)

	prompt := agent.last()
	if n := len([]rune(prompt)); n > 400 {
		t.Errorf("prompt exceeds budget: %d chars", n)
	}
	if !strings.Contains(prompt, body) {
		t.Error("history must be trimmed before the body")
	}
	if !strings.Contains(prompt, "Conversation so far:") {
		t.Error("recent history should survive")
	}
	trimmed := false
	for _, l := range got.Logs {
		if strings.HasPrefix(l, "context trimmed") {
			trimmed = true
		}
	}
	if !trimmed {
		t.Errorf("trimming should be logged, logs: %v", got.Logs)
	}
}

func TestPipelineTranslation(t *testing.T) {
	t.Run("translated", func(t *testing.T) {
		e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
		e.pipe.SetTranslator(mockTranslator{})
		tk := e.submit(t, task.SubmitRequest{Content: "hi", TargetLang: "de"})
		if got := e.waitTerminal(t, tk.ID); got.ResultText() != "[de] echo: hi" {
			t.Errorf("unexpected result %q", got.ResultText())
		}
	})
	t.Run("fallback", func(t *testing.T) {
		e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}}, nil)
		e.pipe.SetTranslator(mockTranslator{err: errors.New("unsupported language")})
		tk := e.submit(t, task.SubmitRequest{Content: "hi", TargetLang: "xx"})
		got := e.waitTerminal(t, tk.ID)
		if got.Status != task.StatusCompleted || got.ResultText() != "echo: hi" {
			t.Errorf("translation failure should keep the original, got %s %q", got.Status, got.ResultText())
		}
	})
}

func TestPipelineLearningCapture(t *testing.T) {
	sink := &mockSink{related: []learning.Knowledge{{ID: "k1", Title: "Style guide", Content: "tabs"}}}
	e := newTestEngine(t, map[string]worker.Agent{"chat": &recordingAgent{}, "help": &recordingAgent{}}, nil)
	e.pipe.SetLearning(sink, config.Learning{ExcludedIntents: []string{"help"}})

	long := strings.Repeat("Please review my notes. ", 30)
	tk := e.submit(t, task.SubmitRequest{Content: long, LearningOptIn: true})
	got := e.waitTerminal(t, tk.ID)

	if got.ContextUsed == nil || len(got.ContextUsed.Items) != 1 || got.ContextUsed.Items[0].ID != "k1" {
		t.Errorf("consulted knowledge not recorded: %+v", got.ContextUsed)
	}
	if err := e.pipe.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one capture, got %d", sink.count())
	}

	// Not opted in.
	tk = e.submit(t, task.SubmitRequest{Content: "again"})
	e.waitTerminal(t, tk.ID)
	_ = e.pipe.Wait(context.Background())
	if sink.count() != 1 {
		t.Errorf("capture requires opt-in, got %d", sink.count())
	}
}

// --- helpers ---

func TestRenderExtraOmitsEmptySections(t *testing.T) {
	got := renderExtra(task.ExtraContext{Links: []string{"https://a"}, Paths: []string{""}})
	if got != "Links:\n- https://a" {
		t.Errorf("unexpected %q", got)
	}
	if renderExtra(task.ExtraContext{}) != "" {
		t.Error("empty extra context should render nothing")
	}
}

func TestFailureText(t *testing.T) {
	tests := []struct {
		env  *failure.Envelope
		want string
	}{
		{failure.New(failure.CodePurged, failure.ClassCancelled, "", task.ResultPurged), task.ResultPurged},
		{failure.New(failure.CodePolicyVeto, failure.ClassAdmission, "", "blocked"), "blocked"},
		{failure.New(failure.CodeAgentError, failure.ClassExecution, "", "boom"), "Task failed: boom"},
		{failure.New(failure.CodeSystemError, failure.ClassSystem, "", ""), "Task failed (system_error)"},
	}
	for _, tt := range tests {
		if got := failureText(tt.env); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.env.Code, tt.want, got)
		}
	}
}
