package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	cfotel "github.com/Strob0t/Switchyard/internal/adapter/otel"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/routing"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
	"github.com/Strob0t/Switchyard/internal/port/learning"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// TaskStatusEvent is broadcast on every task status change made by the pipeline.
type TaskStatusEvent struct {
	TaskID string      `json:"task_id"`
	Status task.Status `json:"status"`
	Result string      `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// TaskProgressEvent carries streamed partial output.
type TaskProgressEvent struct {
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// Run is one submitted task on its way through the pipeline.
type Run struct {
	TaskID  string
	Request task.SubmitRequest
	Fast    bool

	started time.Time
	stage   failure.Stage
	intent  string
	route   routing.Route
	parts   *promptParts
	prompt  string
}

// PipelineService drives a task from admission to a terminal status.
type PipelineService struct {
	store      taskstore.Store
	tracer     *TracerService
	queue      *QueueService
	dispatch   *DispatchTable
	classifier worker.Classifier
	events     broadcast.Broadcaster
	cfg        config.Pipeline
	rules      routing.Rules

	repair      *RepairService
	planner     worker.Planner
	deliberator worker.Deliberator
	campaigns   worker.CampaignRunner
	vision      assist.Vision
	translator  assist.Translator
	sessions    assist.SessionStore
	learning    learning.Sink
	excluded    map[string]bool
	metrics     *cfotel.Metrics

	aux sync.WaitGroup // background learning captures
}

// NewPipelineService creates the pipeline with its required collaborators.
// Optional strategies and helpers are attached with the Set* methods.
func NewPipelineService(
	store taskstore.Store,
	tracer *TracerService,
	queue *QueueService,
	dispatch *DispatchTable,
	classifier worker.Classifier,
	events broadcast.Broadcaster,
	cfg config.Pipeline,
) *PipelineService {
	if events == nil {
		events = broadcast.Nop{}
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}
	if cfg.DefaultIntent == "" {
		cfg.DefaultIntent = "chat"
	}
	return &PipelineService{
		store:      store,
		tracer:     tracer,
		queue:      queue,
		dispatch:   dispatch,
		classifier: classifier,
		events:     events,
		cfg:        cfg,
		rules: routing.Rules{
			DeliberationMinChars:  cfg.DeliberationMinChars,
			CollaborationKeywords: cfg.CollaborationKeywords,
			ComplexIntents:        cfg.ComplexIntents,
			ToolRequirements:      cfg.ToolRequirements,
		},
		excluded: make(map[string]bool),
	}
}

// SetRepair attaches the self-repair loop used for code intents.
func (p *PipelineService) SetRepair(r *RepairService) { p.repair = r }

// SetPlanner attaches the planning strategy.
func (p *PipelineService) SetPlanner(pl worker.Planner) { p.planner = pl }

// SetDeliberator attaches the multi-party deliberation strategy.
func (p *PipelineService) SetDeliberator(d worker.Deliberator) { p.deliberator = d }

// SetCampaignRunner attaches the long-running campaign strategy.
func (p *PipelineService) SetCampaignRunner(c worker.CampaignRunner) { p.campaigns = c }

// SetVision attaches the image describer.
func (p *PipelineService) SetVision(v assist.Vision) { p.vision = v }

// SetTranslator attaches the output translator.
func (p *PipelineService) SetTranslator(t assist.Translator) { p.translator = t }

// SetSessions attaches the session history store.
func (p *PipelineService) SetSessions(s assist.SessionStore) { p.sessions = s }

// SetLearning attaches the knowledge sink. Captures are skipped for excluded intents.
func (p *PipelineService) SetLearning(l learning.Sink, cfg config.Learning) {
	p.learning = l
	p.excluded = make(map[string]bool, len(cfg.ExcludedIntents))
	for _, in := range cfg.ExcludedIntents {
		p.excluded[in] = true
	}
}

// SetMetrics attaches the metric instruments.
func (p *PipelineService) SetMetrics(m *cfotel.Metrics) { p.metrics = m }

// Execute runs r to a terminal status. cancel is the handle registered with
// the admission controller; operator controls use it to stop the run.
// Execute never returns before the task is terminal or was finished by
// someone else.
func (p *PipelineService) Execute(ctx context.Context, cancel context.CancelCauseFunc, r *Run) {
	r.started = time.Now()
	r.stage = failure.StageAdmission

	ctx, span := cfotel.StartTaskSpan(ctx, r.TaskID, r.Fast)
	var spanErr error
	defer func() { cfotel.EndSpan(span, spanErr) }()

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline panic", "task_id", r.TaskID, "stage", r.stage, "panic", rec, "stack", string(debug.Stack()))
			env := failure.Newf(failure.CodeSystemError, failure.ClassSystem, r.stage, "internal error: %v", rec)
			spanErr = env
			p.fail(ctx, r, env)
		}
	}()

	if err := p.admit(ctx, cancel, r); err != nil {
		spanErr = err
		return
	}
	defer p.queue.UnregisterTask(r.TaskID)

	if err := p.run(ctx, r); err != nil {
		spanErr = err
	}
}

// admit waits for capacity and moves the task to PROCESSING. A non-nil error
// means the run is over; the task has already been handled.
func (p *PipelineService) admit(ctx context.Context, cancel context.CancelCauseFunc, r *Run) error {
	if err := p.queue.Admit(ctx, r.TaskID, cancel, r.Fast); err != nil {
		env := p.envelope(ctx, err, failure.StageAdmission)
		p.fail(ctx, r, env)
		return env
	}

	err := p.store.UpdateStatusFrom(ctx, r.TaskID, task.StatusPending, task.StatusProcessing, nil)
	if err != nil {
		p.queue.UnregisterTask(r.TaskID)
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Purged or evicted between admission and start.
			slog.Info("task left pending before start", "task_id", r.TaskID, "error", err)
			return err
		}
		env := failure.Cause(failure.CodeSystemError, failure.ClassSystem, failure.StageAdmission, err)
		p.fail(ctx, r, env)
		return env
	}

	p.tracer.UpdateStatus(r.TaskID, trace.StatusProcessing)
	p.tracer.AddStep(ctx, r.TaskID, "pipeline", "admitted", trace.StepOK, map[string]any{"fast_path": r.Fast})
	p.emitStatus(ctx, r.TaskID, task.StatusProcessing, "", "")
	return nil
}

// run walks the states after admission.
func (p *PipelineService) run(ctx context.Context, r *Run) error {
	steps := []struct {
		stage failure.Stage
		fn    func(context.Context, *Run) error
	}{
		{failure.StageContext, p.buildContext},
		{failure.StageIntent, p.resolveIntent},
		{failure.StageRouting, p.decideRoute},
	}
	for _, st := range steps {
		r.stage = st.stage
		sctx, span := cfotel.StartStageSpan(ctx, string(st.stage))
		err := st.fn(sctx, r)
		cfotel.EndSpan(span, err)
		if err != nil {
			env := p.envelope(ctx, err, st.stage)
			p.fail(ctx, r, env)
			return env
		}
	}

	r.stage = failure.StageExecution
	sctx, span := cfotel.StartStageSpan(ctx, string(failure.StageExecution))
	out, err := p.execute(sctx, r)
	cfotel.EndSpan(span, err)
	if err != nil {
		env := p.envelope(ctx, err, failure.StageExecution)
		p.fail(ctx, r, env)
		return env
	}

	r.stage = failure.StageResult
	if err := p.complete(ctx, r, out); err != nil {
		env := p.envelope(ctx, err, failure.StageResult)
		p.fail(ctx, r, env)
		return env
	}
	return nil
}

// envelope converts err into a failure envelope. When the run was cancelled
// the cancellation cause wins over whatever error the interrupted call returned.
func (p *PipelineService) envelope(ctx context.Context, err error, stage failure.Stage) *failure.Envelope {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	if errors.Is(err, ErrInvalidHandle) {
		return failure.Cause(failure.CodeInvalidHandle, failure.ClassSystem, stage, err)
	}
	return failure.Wrap(err, stage)
}

// fail moves the task to FAILED and records the envelope on task and trace.
// A task that is already terminal is left alone.
func (p *PipelineService) fail(ctx context.Context, r *Run, env *failure.Envelope) {
	ctx = context.WithoutCancel(ctx)
	msg := failureText(env)

	if t, err := p.store.Get(r.TaskID); err == nil && !t.Status.IsTerminal() {
		_ = p.store.SetContext(r.TaskID, task.CtxError, env.Map())
		_ = p.store.AddLog(r.TaskID, msg)
		if err := p.store.UpdateStatus(ctx, r.TaskID, task.StatusFailed, &msg); err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				slog.Error("fail task", "task_id", r.TaskID, "error", err)
			}
		} else {
			p.emitStatus(ctx, r.TaskID, task.StatusFailed, msg, env.Code)
		}
	} else {
		slog.Debug("late failure ignored", "task_id", r.TaskID, "code", env.Code)
	}

	p.failTrace(ctx, r.TaskID, env)
	p.metrics.TaskFinished(ctx, false, string(r.route), env.Code, time.Since(r.started))
	slog.Warn("task failed", "task_id", r.TaskID, "stage", env.Stage, "code", env.Code, "error", env.Message)
}

// failTrace records env on a trace and marks it FAILED. Finished traces are
// left as they are.
func (p *PipelineService) failTrace(ctx context.Context, id string, env *failure.Envelope) {
	if tr, err := p.tracer.Get(id); err != nil || tr.Status.IsTerminal() {
		return
	}
	component := string(env.Stage)
	if component == "" {
		component = "pipeline"
	}
	p.tracer.AddStep(ctx, id, component, "error", trace.StepError, env.Map())
	p.tracer.SetErrorMetadata(id, env.Map())
	p.tracer.UpdateStatus(id, trace.StatusFailed)
}

// failureText is the human-readable result of a failed task.
func failureText(env *failure.Envelope) string {
	switch {
	case env.Class == failure.ClassCancelled || env.Class == failure.ClassAdmission:
		if env.Message != "" {
			return env.Message
		}
	case env.Message != "":
		return "Task failed: " + env.Message
	}
	return fmt.Sprintf("Task failed (%s)", env.Code)
}

func (p *PipelineService) emitStatus(ctx context.Context, id string, status task.Status, result, code string) {
	p.events.BroadcastEvent(ctx, broadcast.EventTaskStatus, TaskStatusEvent{TaskID: id, Status: status, Result: result, Error: code})
}

// Wait blocks until background learning captures finish or ctx is done.
func (p *PipelineService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.aux.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
