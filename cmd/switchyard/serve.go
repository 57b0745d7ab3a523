package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/Switchyard/internal/adapter/fanout"
	"github.com/Strob0t/Switchyard/internal/adapter/fswatch"
	syhttp "github.com/Strob0t/Switchyard/internal/adapter/http"
	"github.com/Strob0t/Switchyard/internal/adapter/litellm"
	"github.com/Strob0t/Switchyard/internal/adapter/memsession"
	"github.com/Strob0t/Switchyard/internal/adapter/memstore"
	cfnats "github.com/Strob0t/Switchyard/internal/adapter/nats"
	cfotel "github.com/Strob0t/Switchyard/internal/adapter/otel"
	"github.com/Strob0t/Switchyard/internal/adapter/postgres"
	"github.com/Strob0t/Switchyard/internal/adapter/ristretto"
	"github.com/Strob0t/Switchyard/internal/adapter/ws"
	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/middleware"
	"github.com/Strob0t/Switchyard/internal/port/broadcast"
	"github.com/Strob0t/Switchyard/internal/resilience"
	"github.com/Strob0t/Switchyard/internal/service"
)

const (
	eventBuffer        = 1024
	rateCleanupEvery   = time.Minute
	rateClientMaxIdle  = 10 * time.Minute
	idempotencyCacheMB = 32

	feedbackReconcileTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the task engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closeLog, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLog()
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(cfg *config.Config) error {
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"routes", cfg.Dispatch.RoutesFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Infrastructure ---

	otelShutdown, err := cfotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := cfotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// NATS (optional)
	var queue *cfnats.Queue
	if cfg.NATS.URL != "" {
		queue, err = cfnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Warn("nats drain", "error", err)
			}
		}()
	}

	// PostgreSQL (optional)
	var pool *pgxpool.Pool
	if cfg.Postgres.DSN != "" {
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")
	}

	// Event fan-out: WebSocket clients plus the bus mirror.
	hub := ws.NewHub(splitList(cfg.Server.CORSOrigin)...)
	sinks := broadcast.Multi{hub}
	if queue != nil {
		busBreaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
		sinks = append(sinks, cfnats.NewEventPublisher(queue, busBreaker))
	}
	events := fanout.New(sinks, eventBuffer)

	// --- Stores ---

	store, err := memstore.Open(memstore.Options{
		Path:             cfg.Store.SnapshotPath,
		MaxTasks:         cfg.Store.MaxTasks,
		MaxSnapshotBytes: cfg.Store.MaxSnapshotBytes,
		Debounce:         cfg.Store.Debounce,
	})
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}

	tracer, err := service.NewTracerService(cfg.Tracer, events)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	tracer.StartWatchdog(ctx)
	if err := tracer.StartRetention(cfg.Tracer.RetentionSchedule, cfg.Tracer.RetentionDays); err != nil {
		return fmt.Errorf("trace retention: %w", err)
	}

	sessions, err := memsession.New(cfg.Session.MaxSessions, cfg.Session.MaxTurns)
	if err != nil {
		return fmt.Errorf("sessions: %w", err)
	}

	// --- Services ---

	llm := litellm.NewClient(cfg.LiteLLM.URL, cfg.LiteLLM.MasterKey, cfg.LiteLLM.Timeout)
	llm.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	factory := agentFactory(llm)
	routes, err := service.LoadRoutes(cfg.Dispatch.RoutesFile)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	snap, err := service.BuildSnapshot(routes, factory)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	dispatch := service.NewDispatchTable(snap)

	intentCache, closeCache, err := classifierCache(ctx, cfg.Cache, queue)
	if err != nil {
		return fmt.Errorf("intent cache: %w", err)
	}
	defer closeCache()
	classifier := service.NewCachedClassifier(
		litellm.NewClassifier(llm, cfg.LiteLLM.ClassifyModel, intentsOf(dispatch)),
		intentCache,
		cfg.Cache.TTL,
	)

	admission := service.NewQueueService(store, events, cfg.Queue)
	pipeline := service.NewPipelineService(store, tracer, admission, dispatch, classifier, events, cfg.Pipeline)
	if err := attachAssistants(pipeline, llm, store, cfg); err != nil {
		return err
	}
	pipeline.SetSessions(sessions)
	pipeline.SetMetrics(metrics)

	if pool != nil {
		learning := postgres.NewLearningStore(pool)
		pipeline.SetLearning(learning, cfg.Learning)
		reconcileFeedback(ctx, tracer, learning, feedbackReconcileTimeout)
	}

	gate, err := service.NewRuleGate(cfg.Policy)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	orch := service.NewOrchestratorService(store, tracer, admission, pipeline, dispatch, gate, cfg.Pipeline)
	orch.SetMetrics(metrics)
	orch.RecoverInterrupted(ctx)

	if queue != nil {
		unsubscribe, err := cfnats.SubscribeFeedback(ctx, queue, orch)
		if err != nil {
			return fmt.Errorf("feedback subscription: %w", err)
		}
		defer unsubscribe()
	}

	// --- HTTP ---

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		stopCleanup := limiter.StartCleanup(rateCleanupEvery, rateClientMaxIdle)
		defer stopCleanup()
	}
	idem, err := ristretto.New(idempotencyCacheMB)
	if err != nil {
		return fmt.Errorf("idempotency cache: %w", err)
	}
	defer idem.Close()

	router := syhttp.NewRouter(cfg.Server, syhttp.RouterDeps{
		Handlers:    &syhttp.Handlers{Engine: orch, BodyLimit: cfg.Server.MaxBodyBytes},
		WebSocket:   hub.HandleWS,
		Health:      healthHandler(llm, queue, pool, orch),
		Idempotency: idem,
		RateLimiter: limiter,
	})

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           cfotel.HTTPMiddleware(cfg.OTEL.ServiceName)(router),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Dispatch.Watch {
		w, err := fswatch.New(cfg.Dispatch.RoutesFile, 0, func(context.Context) error {
			return dispatch.Reload(cfg.Dispatch.RoutesFile, factory)
		})
		if err != nil {
			return fmt.Errorf("routes watcher: %w", err)
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	runErr := g.Wait()

	// --- Drain ---

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := orch.Shutdown(sctx); err != nil {
		slog.Warn("engine shutdown", "error", err)
	}
	if err := tracer.Close(sctx); err != nil {
		slog.Warn("tracer close", "error", err)
	}
	if err := store.Close(sctx); err != nil {
		slog.Warn("task store close", "error", err)
	}
	if err := events.Close(sctx); err != nil {
		slog.Warn("event fan-out close", "error", err)
	}
	if n := events.Dropped(); n > 0 {
		slog.Warn("events dropped during run", "count", n)
	}
	hub.Close()
	slog.Info("shutdown complete")
	return runErr
}

// splitList splits a comma-separated config value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// healthHandler reports engine and dependency health. Optional dependencies
// that are not configured report "disabled".
func healthHandler(llm *litellm.Client, queue *cfnats.Queue, pool *pgxpool.Pool, orch *service.OrchestratorService) http.HandlerFunc {
	type healthStatus struct {
		Status   string              `json:"status"`
		LiteLLM  string              `json:"litellm"`
		NATS     string              `json:"nats"`
		Postgres string              `json:"postgres"`
		Queue    service.QueueStatus `json:"queue"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		st := healthStatus{Status: "ok", LiteLLM: "ok", NATS: "disabled", Postgres: "disabled", Queue: orch.QueueStatus()}
		if ok, err := llm.Health(ctx); err != nil || !ok {
			st.LiteLLM = "unavailable"
			st.Status = "degraded"
		}
		if queue != nil {
			st.NATS = "ok"
			if !queue.IsConnected() {
				st.NATS = "disconnected"
				st.Status = "degraded"
			}
		}
		if pool != nil {
			st.Postgres = "ok"
			if err := pool.Ping(ctx); err != nil {
				st.Postgres = "unavailable"
				st.Status = "degraded"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
