package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cfotel "github.com/Strob0t/Switchyard/internal/adapter/otel"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/routing"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/policy"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
)

// ErrShuttingDown is returned by Submit once Shutdown has started.
var ErrShuttingDown = errors.New("engine is shutting down")

// CauseShutdown cancels runs still going when the shutdown deadline passes.
var CauseShutdown = failure.New(failure.CodeAborted, failure.ClassCancelled, "", "Task cancelled: engine shutting down")

// CauseInterrupted fails tasks a previous process left unfinished.
var CauseInterrupted = failure.New(failure.CodeInterrupted, failure.ClassCancelled, "", task.ResultInterrupted)

// OrchestratorService is the engine façade: it admits tasks, starts their
// pipelines and exposes the operator controls.
type OrchestratorService struct {
	store    taskstore.Store
	tracer   *TracerService
	queue    *QueueService
	pipeline *PipelineService
	dispatch *DispatchTable
	gate     policy.Gate
	cfg      config.Pipeline
	metrics  *cfotel.Metrics

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
	base    context.Context
}

// NewOrchestratorService wires the façade and registers the watchdog callback.
func NewOrchestratorService(
	store taskstore.Store,
	tracer *TracerService,
	queue *QueueService,
	pipeline *PipelineService,
	dispatch *DispatchTable,
	gate policy.Gate,
	cfg config.Pipeline,
) *OrchestratorService {
	if gate == nil {
		gate = policy.AllowAll{}
	}
	o := &OrchestratorService{
		store:    store,
		tracer:   tracer,
		queue:    queue,
		pipeline: pipeline,
		dispatch: dispatch,
		gate:     gate,
		cfg:      cfg,
		cancels:  make(map[string]context.CancelCauseFunc),
		base:     context.Background(),
	}
	tracer.SetOnLost(o.handleLost)
	return o
}

// SetMetrics attaches the metric instruments.
func (o *OrchestratorService) SetMetrics(m *cfotel.Metrics) { o.metrics = m }

// Submit stores a new task and starts its pipeline. A policy veto is
// recorded as a FAILED task, not returned as an error.
func (o *OrchestratorService) Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrShuttingDown
	}

	t, err := o.store.Create(ctx, req.Content)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.metrics.TaskSubmitted(ctx)

	binding := o.dispatch.ActiveBackend().Binding()
	if req.Override != nil && req.Override.Backend != "" {
		if b, ok := o.dispatch.Backend(req.Override.Backend); ok {
			binding = b.Binding()
		}
	}
	_ = o.store.SetContext(t.ID, task.CtxRuntime, binding)
	if req.SessionID != "" {
		_ = o.store.SetContext(t.ID, task.CtxSession, req.SessionID)
	}

	o.tracer.CreateTrace(t.ID, req.Content, req.SessionID)
	o.tracer.SetRuntimeMetadata(t.ID, binding)
	if !req.Override.IsZero() {
		fr := trace.ForcedRoute{Intent: req.Override.Intent, Tool: req.Override.Tool, Backend: req.Override.Backend}
		_ = o.store.SetContext(t.ID, task.CtxForcedRoute, fr)
		o.tracer.SetForcedRoute(t.ID, fr)
	}
	o.tracer.AddStep(ctx, t.ID, "orchestrator", "submitted", trace.StepOK, map[string]any{
		"images":  len(req.Images),
		"session": req.SessionID,
	})

	r := &Run{
		TaskID:  t.ID,
		Request: req,
		Fast:    routing.IsFastPath(req.Content, len(req.Images), !req.Override.IsZero(), o.cfg.FastPathMaxChars),
		started: time.Now(),
		stage:   failure.StageAdmission,
	}
	_ = o.store.SetContext(t.ID, task.CtxFastPath, r.Fast)

	if env := o.evaluatePolicy(ctx, r); env != nil {
		o.pipeline.fail(ctx, r, env)
		return o.store.Get(t.ID)
	}

	o.start(r)
	return o.store.Get(t.ID)
}

// evaluatePolicy runs the admission gate. A gate error fails closed.
func (o *OrchestratorService) evaluatePolicy(ctx context.Context, r *Run) *failure.Envelope {
	gc := policy.GateContext{
		TaskID:    r.TaskID,
		Content:   r.Request.Content,
		SessionID: r.Request.SessionID,
	}
	if r.Request.Override != nil {
		gc.Intent = r.Request.Override.Intent
	}
	d, err := o.gate.Evaluate(ctx, gc)
	if err != nil {
		slog.Error("policy gate", "task_id", r.TaskID, "error", err)
		return failure.Cause(failure.CodeSystemError, failure.ClassSystem, failure.StageAdmission, fmt.Errorf("policy gate: %w", err))
	}
	if d.Allowed {
		o.tracer.AddStep(ctx, r.TaskID, "policy", "allowed", trace.StepOK, nil)
		return nil
	}
	msg := d.Message
	if msg == "" {
		msg = "Request rejected by policy"
	}
	env := failure.New(failure.CodePolicyVeto, failure.ClassAdmission, failure.StageAdmission, msg)
	if d.Rule != "" {
		env.WithDetail("rule", d.Rule)
	}
	return env
}

// start launches the pipeline goroutine for r.
func (o *OrchestratorService) start(r *Run) {
	ctx, cancel := context.WithCancelCause(o.base)

	o.mu.Lock()
	o.cancels[r.TaskID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.cancels, r.TaskID)
			o.mu.Unlock()
			cancel(nil)
		}()
		o.pipeline.Execute(ctx, cancel, r)
	}()
}

// Get returns a task.
func (o *OrchestratorService) Get(id string) (*task.Task, error) {
	return o.store.Get(id)
}

// List returns all retained tasks in creation order.
func (o *OrchestratorService) List() []task.Task {
	return o.store.List()
}

// Pause stops admitting queued tasks.
func (o *OrchestratorService) Pause(ctx context.Context) ControlResult {
	return o.queue.Pause(ctx)
}

// Resume re-opens admission.
func (o *OrchestratorService) Resume(ctx context.Context) ControlResult {
	return o.queue.Resume(ctx)
}

// Purge fails every PENDING task and their traces.
func (o *OrchestratorService) Purge(ctx context.Context) ControlResult {
	res := o.queue.Purge(ctx)
	o.failTraces(ctx, res.TaskIDs, atStage(CausePurged, failure.StageAdmission))
	return res
}

// Abort cancels a PROCESSING task.
func (o *OrchestratorService) Abort(ctx context.Context, id string) ControlResult {
	res := o.queue.AbortTask(ctx, id)
	if res.Success {
		o.failTraces(ctx, res.TaskIDs, atStage(CauseAborted, failure.StageExecution))
	}
	return res
}

// EmergencyStop pauses the queue, stops every running task and purges the rest.
func (o *OrchestratorService) EmergencyStop(ctx context.Context) EmergencyStopResult {
	res := o.queue.EmergencyStop(ctx)
	o.failTraces(ctx, res.AbortedTaskIDs, atStage(CauseStopped, failure.StageExecution))
	o.failTraces(ctx, res.PurgedTaskIDs, atStage(CausePurged, failure.StageAdmission))
	return res
}

// failTraces records the cancellation on traces whose pipeline may not be
// running. Traces already terminal keep their status.
func (o *OrchestratorService) failTraces(ctx context.Context, ids []string, cause *failure.Envelope) {
	for _, id := range ids {
		o.pipeline.failTrace(ctx, id, cause)
	}
}

// QueueStatus reports the admission controller state.
func (o *OrchestratorService) QueueStatus() QueueStatus {
	return o.queue.Status()
}

// Trace returns one trace.
func (o *OrchestratorService) Trace(id string) (*trace.Trace, error) {
	return o.tracer.Get(id)
}

// Traces lists traces.
func (o *OrchestratorService) Traces(f trace.Filter) trace.Page {
	return o.tracer.List(f)
}

// Feedback attaches user feedback to a trace.
func (o *OrchestratorService) Feedback(ctx context.Context, id string, fb trace.Feedback) error {
	if fb.Rating < -1 || fb.Rating > 5 {
		return fmt.Errorf("%w: rating must be between -1 and 5", domain.ErrValidation)
	}
	return o.tracer.SetFeedback(ctx, id, fb)
}

// Capabilities lists dispatchable intents.
func (o *OrchestratorService) Capabilities() []Capability {
	return o.dispatch.Capabilities()
}

// Flags returns the engine-wide toggles.
func (o *OrchestratorService) Flags() task.Flags {
	return o.store.Flags()
}

// SetFlags replaces the engine-wide toggles.
func (o *OrchestratorService) SetFlags(f task.Flags) {
	o.store.SetFlags(f)
}

// handleLost stops and fails the task paired with a trace the watchdog gave up on.
func (o *OrchestratorService) handleLost(ctx context.Context, id string) {
	o.queue.CancelTask(id, CauseLost)
	o.metrics.TaskLost(ctx)

	t, err := o.store.Get(id)
	if err != nil || t.Status.IsTerminal() {
		return
	}
	env := atStage(CauseLost, failure.StageExecution)
	result := task.ResultLost
	_ = o.store.SetContext(id, task.CtxError, env.Map())
	if err := o.store.UpdateStatus(context.WithoutCancel(ctx), id, task.StatusFailed, &result); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			slog.Warn("fail lost task", "task_id", id, "error", err)
		}
		return
	}
	_ = o.store.AddLog(id, result)
	o.pipeline.emitStatus(ctx, id, task.StatusFailed, result, env.Code)
}

// RecoverInterrupted fails tasks reloaded from a snapshot in PENDING or
// PROCESSING. No pipeline survives a restart, so they would otherwise stay
// open and inflate the queue counts. Call it once before accepting work.
func (o *OrchestratorService) RecoverInterrupted(ctx context.Context) int {
	result := task.ResultInterrupted
	n := 0
	for _, t := range o.store.List() {
		if t.Status.IsTerminal() {
			continue
		}
		stage := failure.StageAdmission
		if t.Status == task.StatusProcessing {
			stage = failure.StageExecution
		}
		env := atStage(CauseInterrupted, stage)
		_ = o.store.SetContext(t.ID, task.CtxError, env.Map())
		if err := o.store.UpdateStatusFrom(ctx, t.ID, t.Status, task.StatusFailed, &result); err != nil {
			slog.Warn("fail interrupted task", "task_id", t.ID, "error", err)
			continue
		}
		_ = o.store.AddLog(t.ID, result)
		o.pipeline.failTrace(ctx, t.ID, env)
		n++
	}
	if n > 0 {
		slog.Info("interrupted tasks failed", "count", n)
	}
	return n
}

// Shutdown stops accepting work and waits for running pipelines. When ctx
// expires first, the remaining runs are cancelled.
func (o *OrchestratorService) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.mu.Lock()
		n := len(o.cancels)
		for _, cancel := range o.cancels {
			cancel(CauseShutdown)
		}
		o.mu.Unlock()
		slog.Warn("shutdown deadline reached, cancelling runs", "running", n)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			slog.Error("pipelines did not stop after cancellation")
		}
	}

	if err := o.pipeline.Wait(ctx); err != nil {
		slog.Warn("knowledge captures still running at shutdown", "error", err)
	}
	return nil
}
