package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/Switchyard/internal/domain/failure"
	"github.com/Strob0t/Switchyard/internal/domain/routing"
	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/port/worker"
)

// execute runs the strategy picked by the decision gate and returns the result text.
func (p *PipelineService) execute(ctx context.Context, r *Run) (string, error) {
	p.tracer.AddStep(ctx, r.TaskID, "execution", "start", trace.StepOK, map[string]any{"route": string(r.route), "intent": r.intent})

	var (
		out string
		err error
	)
	switch r.route {
	case routing.RouteCampaign:
		out, err = p.runCampaign(ctx, r)
	case routing.RouteHelp:
		out = p.runHelp(r)
	case routing.RouteDeliberation:
		out, err = p.runDeliberation(ctx, r)
	case routing.RouteRepair:
		out, err = p.runRepair(ctx, r)
	case routing.RoutePlan:
		out, err = p.runPlan(ctx, r)
	default:
		out, err = p.runDirect(ctx, r, r.intent)
	}
	if err != nil {
		return "", err
	}
	p.tracer.AddStep(ctx, r.TaskID, "execution", "done", trace.StepOK, map[string]any{"route": string(r.route), "chars": len(out)})
	return out, nil
}

func (p *PipelineService) runCampaign(ctx context.Context, r *Run) (string, error) {
	if p.campaigns == nil {
		return "", unavailable("campaign runner")
	}
	outcome, err := p.campaigns.Run(ctx, worker.CampaignRequest{
		TaskID: r.TaskID,
		Goal:   r.prompt,
		Params: r.Request.Params,
	})
	if err != nil {
		return "", err
	}
	_ = p.store.SetContext(r.TaskID, task.CtxOutcome, outcome)
	if outcome.Summary != "" {
		return outcome.Summary, nil
	}
	return fmt.Sprintf("Campaign %s: %s", outcome.CampaignID, outcome.Status), nil
}

// runHelp summarises what the dispatch table can do.
func (p *PipelineService) runHelp(r *Run) string {
	caps := p.dispatch.Capabilities()
	_ = p.store.SetContext(r.TaskID, task.CtxOutcome, map[string]any{"capabilities": caps})

	var b strings.Builder
	b.WriteString("Available capabilities:")
	for _, c := range caps {
		b.WriteString("\n- ")
		b.WriteString(c.Intent)
		if c.Description != "" {
			b.WriteString(": ")
			b.WriteString(c.Description)
		}
	}
	if len(caps) == 0 {
		b.WriteString("\n(none configured)")
	}
	return b.String()
}

func (p *PipelineService) runDeliberation(ctx context.Context, r *Run) (string, error) {
	if p.deliberator == nil {
		return "", unavailable("deliberation")
	}
	stream := p.startProgress(ctx, r.TaskID)
	defer stream.Close()
	return p.deliberator.Deliberate(ctx, worker.DeliberationRequest{
		TaskID:    r.TaskID,
		Topic:     r.prompt,
		PanelSize: p.cfg.DeliberationPanelSize,
		Progress:  stream.Chan(),
	})
}

// runRepair uses the self-repair loop, or plain dispatch when none is attached.
func (p *PipelineService) runRepair(ctx context.Context, r *Run) (string, error) {
	if p.repair == nil {
		return p.runDirect(ctx, r, r.intent)
	}
	file := ""
	if len(r.Request.Extra.Files) > 0 {
		file = r.Request.Extra.Files[0]
	}
	res, err := p.repair.Run(ctx, RepairRequest{TaskID: r.TaskID, Prompt: r.prompt, File: file})
	if err != nil {
		return "", err
	}
	_ = p.store.SetContext(r.TaskID, task.CtxOutcome, map[string]any{
		"repair_outcome": string(res.Outcome),
		"attempts":       res.Attempts,
		"cost_usd":       res.CostUSD,
	})
	p.tracer.AddStep(ctx, r.TaskID, "repair", string(res.Outcome), trace.StepOK, map[string]any{
		"attempts": res.Attempts,
		"cost_usd": res.CostUSD,
	})
	p.metrics.RepairFinished(ctx, string(res.Outcome), res.Attempts, res.CostUSD)
	return res.Text, nil
}

func (p *PipelineService) runPlan(ctx context.Context, r *Run) (string, error) {
	if p.planner == nil {
		return p.runDirect(ctx, r, r.intent)
	}
	return p.planner.Plan(ctx, r.prompt)
}

// runDirect dispatches to the worker mapped to intent, falling back to the
// default intent when the classifier produced something unmapped.
func (p *PipelineService) runDirect(ctx context.Context, r *Run, intent string) (string, error) {
	forced := r.Request.Override != nil && r.Request.Override.Intent != ""
	if !forced && !p.dispatch.HasIntent(intent) && p.dispatch.HasIntent(p.cfg.DefaultIntent) {
		p.tracer.AddStep(ctx, r.TaskID, "dispatch", "fallback", trace.StepOK, map[string]any{"from": intent, "to": p.cfg.DefaultIntent})
		intent = p.cfg.DefaultIntent
	}

	stream := p.startProgress(ctx, r.TaskID)
	defer stream.Close()
	return p.dispatch.DispatchRequest(ctx, worker.Request{
		TaskID:   r.TaskID,
		Intent:   intent,
		Text:     r.prompt,
		Params:   r.Request.Params,
		Progress: stream.Chan(),
	})
}

func unavailable(what string) *failure.Envelope {
	return failure.Newf(failure.CodeCapabilityUnavailable, failure.ClassRouting, failure.StageExecution, "%s is not configured", what).
		WithDetail("capability", what)
}
