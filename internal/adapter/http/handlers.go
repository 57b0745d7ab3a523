package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/Strob0t/Switchyard/internal/domain/task"
	"github.com/Strob0t/Switchyard/internal/domain/trace"
	"github.com/Strob0t/Switchyard/internal/service"
)

// Engine is the part of the orchestrator the API exposes.
type Engine interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Task, error)
	Get(id string) (*task.Task, error)
	List() []task.Task

	Pause(ctx context.Context) service.ControlResult
	Resume(ctx context.Context) service.ControlResult
	Purge(ctx context.Context) service.ControlResult
	Abort(ctx context.Context, id string) service.ControlResult
	EmergencyStop(ctx context.Context) service.EmergencyStopResult
	QueueStatus() service.QueueStatus

	Trace(id string) (*trace.Trace, error)
	Traces(f trace.Filter) trace.Page
	Feedback(ctx context.Context, id string, fb trace.Feedback) error

	Capabilities() []service.Capability
	Flags() task.Flags
	SetFlags(f task.Flags)
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	Engine    Engine
	BodyLimit int64
}

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return 1 << 20
}

// SubmitTask handles POST /api/v1/tasks. The task is admitted asynchronously;
// a policy veto still creates the task and returns it FAILED.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	t, err := h.Engine.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+t.ID)
	writeJSON(w, http.StatusAccepted, t)
}

// ListTasks handles GET /api/v1/tasks?status=.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := task.Status(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}
	tasks := h.Engine.List()
	out := make([]task.Task, 0, len(tasks))
	for i := range tasks {
		if status == "" || tasks[i].Status == status {
			out = append(out, tasks[i])
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AbortTask handles POST /api/v1/tasks/{id}/abort. Only PROCESSING tasks can
// be aborted; anything else answers 409 with the control result.
func (h *Handlers) AbortTask(w http.ResponseWriter, r *http.Request) {
	res := h.Engine.Abort(r.Context(), urlParam(r, "id"))
	status := http.StatusOK
	if !res.Success {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// QueueStatus handles GET /api/v1/queue.
func (h *Handlers) QueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.QueueStatus())
}

// PauseQueue handles POST /api/v1/queue/pause.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Pause(r.Context()))
}

// ResumeQueue handles POST /api/v1/queue/resume.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Resume(r.Context()))
}

// PurgeQueue handles POST /api/v1/queue/purge.
func (h *Handlers) PurgeQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Purge(r.Context()))
}

// EmergencyStop handles POST /api/v1/queue/emergency-stop.
func (h *Handlers) EmergencyStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.EmergencyStop(r.Context()))
}

// ListTraces handles GET /api/v1/traces?status=&limit=&offset=.
func (h *Handlers) ListTraces(w http.ResponseWriter, r *http.Request) {
	var f trace.Filter
	if s := strings.ToUpper(r.URL.Query().Get("status")); s != "" {
		switch st := trace.Status(s); st {
		case trace.StatusPending, trace.StatusProcessing, trace.StatusCompleted, trace.StatusFailed, trace.StatusLost:
			f.Status = st
		default:
			writeError(w, http.StatusBadRequest, "unknown status "+s)
			return
		}
	}
	var err error
	if f.Limit, err = queryInt(r, "limit", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Traces(f))
}

// GetTrace handles GET /api/v1/traces/{id}.
func (h *Handlers) GetTrace(w http.ResponseWriter, r *http.Request) {
	tr, err := h.Engine.Trace(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

type feedbackRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// TraceFeedback handles POST /api/v1/traces/{id}/feedback.
func (h *Handlers) TraceFeedback(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[feedbackRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	id := urlParam(r, "id")
	fb := trace.Feedback{Rating: req.Rating, Comment: req.Comment, Source: "api"}
	if err := h.Engine.Feedback(r.Context(), id, fb); err != nil {
		writeDomainError(w, err, "trace not found")
		return
	}
	tr, err := h.Engine.Trace(id)
	if err != nil {
		writeDomainError(w, err, "trace not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// Capabilities handles GET /api/v1/capabilities.
func (h *Handlers) Capabilities(w http.ResponseWriter, _ *http.Request) {
	caps := h.Engine.Capabilities()
	if caps == nil {
		caps = []service.Capability{}
	}
	writeJSON(w, http.StatusOK, caps)
}

// GetFlags handles GET /api/v1/flags.
func (h *Handlers) GetFlags(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Flags())
}

// UpdateFlags handles PUT /api/v1/flags.
func (h *Handlers) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	f, ok := readJSON[task.Flags](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if f.AutonomyLevel < 0 {
		writeError(w, http.StatusBadRequest, "autonomy_level must be >= 0")
		return
	}
	h.Engine.SetFlags(f)
	writeJSON(w, http.StatusOK, h.Engine.Flags())
}
