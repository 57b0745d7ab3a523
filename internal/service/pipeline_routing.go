package service

import (
	"context"
	"strings"

	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/routing"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
)

// resolveIntent takes the forced intent or asks the classifier. The source is
// always recorded on the trace.
func (p *PipelineService) resolveIntent(ctx context.Context, r *Run) error {
	source := "classified"
	var intent string

	switch {
	case r.Request.Override != nil && r.Request.Override.Intent != "":
		source = "forced"
		intent = r.Request.Override.Intent
	case p.classifier == nil:
		source = "default"
		intent = p.cfg.DefaultIntent
	default:
		got, err := p.classifier.Classify(ctx, r.Request.Content)
		if err != nil {
			p.tracer.AddStep(ctx, r.TaskID, "intent", "debug", trace.StepError, map[string]any{"source": source, "error": err.Error()})
			return failure.Cause(failure.CodeClassificationFailed, failure.ClassRouting, failure.StageIntent, err)
		}
		intent = got
	}
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		intent = p.cfg.DefaultIntent
	}

	r.intent = intent
	_ = p.store.SetContext(r.TaskID, task.CtxIntent, map[string]any{"source": source, "value": intent})
	p.tracer.AddStep(ctx, r.TaskID, "intent", "debug", trace.StepOK, map[string]any{"source": source, "value": intent})

	p.assemblePrompt(ctx, r)
	return nil
}

// decideRoute validates forced routes and records exactly one decision gate.
func (p *PipelineService) decideRoute(ctx context.Context, r *Run) error {
	if err := p.checkForcedRoute(r); err != nil {
		p.tracer.AddStep(ctx, r.TaskID, "routing", "forced_route", trace.StepError, err.Map())
		return err
	}

	d := routing.Decide(routing.Input{
		Intent:  r.intent,
		Content: r.Request.Content,
		HasTool: p.dispatch.HasTool,
	}, p.rules)
	r.route = d.Route

	details := map[string]any{"intent": r.intent, "reason": d.Reason}
	if d.MissingTool != "" {
		details["missing_tool"] = d.MissingTool
	}
	status := trace.StepOK
	if d.Route == routing.RouteUnsupported {
		status = trace.StepError
	}
	p.tracer.AddStep(ctx, r.TaskID, "routing", "gate."+string(d.Route), status, details)
	_ = p.store.SetContext(r.TaskID, task.CtxRoute, map[string]any{"route": string(d.Route), "reason": d.Reason})
	p.metrics.RouteChosen(ctx, string(d.Route))

	if d.Route == routing.RouteUnsupported {
		return failure.Newf(failure.CodeCapabilityUnavailable, failure.ClassRouting, failure.StageRouting,
			"intent %q requires %q, which is not available", r.intent, d.MissingTool).
			WithDetail("tool", d.MissingTool).
			WithDetail("intent", r.intent)
	}
	return nil
}

// checkForcedRoute rejects overrides naming things the dispatch table does not know.
func (p *PipelineService) checkForcedRoute(r *Run) *failure.Envelope {
	o := r.Request.Override
	if o.IsZero() {
		return nil
	}
	if o.Backend != "" {
		if _, ok := p.dispatch.Backend(o.Backend); !ok {
			return failure.Newf(failure.CodeUnsupportedRuntime, failure.ClassRouting, failure.StageRouting,
				"backend %q is not declared", o.Backend).WithDetail("backend", o.Backend)
		}
	}
	if o.Intent != "" && !isBuiltinIntent(r.intent) && !p.dispatch.HasIntent(r.intent) {
		return failure.Newf(failure.CodeForcedRouteMismatch, failure.ClassRouting, failure.StageRouting,
			"forced intent %q has no worker", o.Intent).WithDetail("intent", o.Intent)
	}
	if o.Tool != "" && !p.dispatch.HasTool(o.Tool) {
		return failure.Newf(failure.CodeCapabilityUnavailable, failure.ClassRouting, failure.StageRouting,
			"forced tool %q is not available", o.Tool).WithDetail("tool", o.Tool)
	}
	return nil
}

// isBuiltinIntent reports intents served by a strategy rather than a worker.
func isBuiltinIntent(intent string) bool {
	switch intent {
	case routing.IntentCampaign, routing.IntentHelp, routing.IntentCode, routing.IntentPlan:
		return true
	}
	return false
}
