package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/Switchyard/internal/config"
	"github.com/Strob0t/Switchyard/internal/middleware"
	"github.com/Strob0t/Switchyard/internal/port/cache"
)

const apiTimeout = 30 * time.Second

// RouterDeps are the collaborators NewRouter mounts next to the API.
type RouterDeps struct {
	Handlers    *Handlers
	WebSocket   http.HandlerFunc
	Health      http.HandlerFunc
	Idempotency cache.Cache
	RateLimiter *middleware.RateLimiter
}

// NewRouter builds the chi router for the engine API.
func NewRouter(cfg config.Server, deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))

	if deps.Health != nil {
		r.Get("/health", deps.Health)
	}
	if deps.WebSocket != nil {
		r.Get("/ws", deps.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Handler)
		}
		r.Use(chimw.Timeout(apiTimeout))
		r.Use(middleware.Idempotency(deps.Idempotency, cfg.IdempotencyTTL))
		MountRoutes(r, deps.Handlers)
	})
	return r
}

// MountRoutes registers the API routes on r.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"service": "switchyard", "version": "v1"})
	})

	// Tasks
	r.Post("/tasks", h.SubmitTask)
	r.Get("/tasks", h.ListTasks)
	r.Get("/tasks/{id}", h.GetTask)
	r.Post("/tasks/{id}/abort", h.AbortTask)

	// Queue controls
	r.Get("/queue", h.QueueStatus)
	r.Post("/queue/pause", h.PauseQueue)
	r.Post("/queue/resume", h.ResumeQueue)
	r.Post("/queue/purge", h.PurgeQueue)
	r.Post("/queue/emergency-stop", h.EmergencyStop)

	// Traces
	r.Get("/traces", h.ListTraces)
	r.Get("/traces/{id}", h.GetTrace)
	r.Post("/traces/{id}/feedback", h.TraceFeedback)

	// Routing and flags
	r.Get("/capabilities", h.Capabilities)
	r.Get("/flags", h.GetFlags)
	r.Put("/flags", h.UpdateFlags)
}
