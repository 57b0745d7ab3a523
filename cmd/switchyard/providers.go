package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/Switchyard/internal/adapter/litellm"
	cfnats "github.com/Strob0t/Switchyard/internal/adapter/nats"
	"github.com/Strob0t/Switchyard/internal/adapter/natskv"
	"github.com/Strob0t/Switchyard/internal/adapter/ristretto"
	"github.com/Strob0t/Switchyard/internal/adapter/tiered"
	"github.com/Strob0t/Switchyard/internal/adapter/workspace"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/port/assist"
	"github.com/Strob0t/Switchyard/internal/port/cache"
	"github.com/Strob0t/Switchyard/internal/port/learning"
	"github.com/Strob0t/Switchyard/internal/port/taskstore"
	"github.com/Strob0t/Switchyard/internal/port/worker"
	"github.com/Strob0t/Switchyard/internal/service"
)

// agentFactory builds LiteLLM-backed agents for the dispatch table. A worker
// without its own model uses its backend's model.
func agentFactory(c *litellm.Client) service.AgentFactory {
	return func(intent string, spec service.WorkerSpec, b service.Backend) (worker.Agent, error) {
		model := spec.Model
		if model == "" {
			model = b.Model
		}
		if model == "" {
			return nil, fmt.Errorf("worker %q: no model configured on worker or backend %q", intent, b.Name)
		}
		return litellm.NewAgent(c, model, spec.System, spec.Stream), nil
	}
}

// intentsOf lists the intents the classifier may answer with.
func intentsOf(d *service.DispatchTable) func() []string {
	return func() []string {
		caps := d.Capabilities()
		out := make([]string, len(caps))
		for i, c := range caps {
			out[i] = c.Intent
		}
		return out
	}
}

// classifierCache builds the tiered intent cache: ristretto in process and,
// when the bus is up, a JetStream KV bucket shared between instances.
func classifierCache(ctx context.Context, cfg config.Cache, q *cfnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	if q == nil {
		return l1, l1.Close, nil
	}
	l2, err := natskv.Open(ctx, q.JetStream(), cfg.L2Bucket, cfg.L2TTL)
	if err != nil {
		slog.Warn("shared intent cache unavailable, using l1 only", "bucket", cfg.L2Bucket, "error", err)
		return l1, l1.Close, nil
	}
	return tiered.New(l1, l2, cfg.TTL), l1.Close, nil
}

// attachAssistants wires the optional pipeline collaborators served by LiteLLM.
func attachAssistants(p *service.PipelineService, c *litellm.Client, store taskstore.Store, cfg *config.Config) error {
	llm := cfg.LiteLLM

	var ws assist.Workspace
	if cfg.Workspace.Root != "" {
		dir, err := workspace.New(cfg.Workspace.Root, cfg.Workspace.MaxFileBytes)
		if err != nil {
			return fmt.Errorf("workspace: %w", err)
		}
		ws = dir
		slog.Info("workspace enabled", "root", cfg.Workspace.Root)
	}

	repair := service.NewRepairService(
		litellm.NewGenerator(c, llm.GenerateModel),
		litellm.NewReviewer(c, llm.ReviewModel, cfg.Repair.ApprovalToken),
		litellm.NewPriceTable(llm.PricePer1K, cfg.Pipeline.CharsPerToken),
		ws,
		store,
		cfg.Repair,
	)
	p.SetRepair(repair)
	p.SetPlanner(litellm.NewPlanner(c, llm.GenerateModel))
	p.SetDeliberator(litellm.NewDeliberator(c, llm.GenerateModel))
	p.SetCampaignRunner(litellm.NewCampaignRunner(c, llm.GenerateModel, llm.CampaignSteps))
	p.SetVision(litellm.NewVision(c, llm.VisionModel))
	p.SetTranslator(litellm.NewTranslator(c, llm.TranslateModel))
	return nil
}

// reconcileFeedback restores stored feedback onto loaded traces. It runs to
// completion, bounded by timeout, before anything can record new feedback.
func reconcileFeedback(ctx context.Context, tracer *service.TracerService, src learning.FeedbackSource, timeout time.Duration) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tracer.ReconcileFeedback(rctx, src)
}
