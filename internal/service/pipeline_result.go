package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/Switchyard/internal/domain"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/learning"
)

// complete post-processes the result and moves the task to COMPLETED.
func (p *PipelineService) complete(ctx context.Context, r *Run, out string) error {
	out = p.translate(ctx, r, out)

	// A run cancelled while its strategy was returning must not complete.
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	if r.Request.SessionID != "" && p.sessions != nil {
		err := p.sessions.Append(ctx, r.Request.SessionID,
			assist.Turn{Role: "user", Content: r.Request.Content},
			assist.Turn{Role: "assistant", Content: out},
		)
		if err != nil {
			slog.Warn("append session", "task_id", r.TaskID, "session_id", r.Request.SessionID, "error", err)
		}
	}

	wctx := context.WithoutCancel(ctx)
	if err := p.store.UpdateStatusFrom(wctx, r.TaskID, task.StatusProcessing, task.StatusCompleted, &out); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidTransition) {
			slog.Info("result discarded: task already finished", "task_id", r.TaskID)
			return nil
		}
		return err
	}

	p.tracer.AddStep(ctx, r.TaskID, "result", "completed", trace.StepOK, map[string]any{"chars": len(out)})
	p.tracer.UpdateStatus(r.TaskID, trace.StatusCompleted)
	p.emitStatus(ctx, r.TaskID, task.StatusCompleted, out, "")
	p.metrics.TaskFinished(ctx, true, string(r.route), "", time.Since(r.started))
	p.capture(ctx, r, out)
	slog.Info("task completed", "task_id", r.TaskID, "route", r.route, "intent", r.intent, "duration", time.Since(r.started))
	return nil
}

// translate returns out in the requested language, or out unchanged on failure.
func (p *PipelineService) translate(ctx context.Context, r *Run, out string) string {
	if r.Request.TargetLang == "" || p.translator == nil {
		return out
	}
	translated, err := p.translator.Translate(ctx, out, r.Request.TargetLang, r.Request.SourceLang)
	if err != nil || translated == "" {
		slog.Warn("translate result", "task_id", r.TaskID, "target", r.Request.TargetLang, "error", err)
		p.tracer.AddStep(ctx, r.TaskID, "result", "translate", trace.StepError, map[string]any{"target": r.Request.TargetLang})
		return out
	}
	p.tracer.AddStep(ctx, r.TaskID, "result", "translate", trace.StepOK, map[string]any{"target": r.Request.TargetLang})
	return translated
}

// capture offers the exchange to the knowledge sink in the background.
// Failures only log.
func (p *PipelineService) capture(ctx context.Context, r *Run, out string) {
	if p.learning == nil || !r.Request.LearningOptIn || p.excluded[r.intent] {
		return
	}
	c := learning.Capture{
		TaskID:    r.TaskID,
		Intent:    r.intent,
		Prompt:    r.Request.Content,
		Result:    out,
		CreatedAt: time.Now().UTC(),
	}
	ctx = context.WithoutCancel(ctx)
	p.aux.Add(1)
	go func() {
		defer p.aux.Done()
		if err := p.learning.Capture(ctx, c); err != nil {
			slog.Warn("knowledge capture", "task_id", c.TaskID, "error", err)
		}
	}()
}
