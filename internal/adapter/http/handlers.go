package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agentdock/agentdock/internal/adapter/ws"
	"github.com/agentdock/agentdock/internal/domain/agentrun"
)

const launchBodyLimit = 1 << 20 // 1 MiB

// Engine is the subset of the orchestration engine the API layer calls.
type Engine interface {
	Launch(ctx context.Context, req *agentrun.LaunchRequest) (*agentrun.Run, error)
	Get(ctx context.Context, id string) (*agentrun.Run, error)
	List(ctx context.Context, filter agentrun.ListFilter) ([]agentrun.Run, int, error)
	Logs(ctx context.Context, id string) ([]agentrun.LogEntry, error)
	Tasks(ctx context.Context, id string) ([]agentrun.Task, error)
	Stats(ctx context.Context, days int, projectID string) (*agentrun.Stats, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	ClearFinished(ctx context.Context) (int, error)
}

// Handlers bundles the HTTP handlers with their collaborators.
type Handlers struct {
	engine Engine
	hub    *ws.Hub
	log    *slog.Logger
}

// NewHandlers builds the handler set.
func NewHandlers(engine Engine, hub *ws.Hub, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{engine: engine, hub: hub, log: log.With("service", "http")}
}

// LaunchAgent starts a new agent run.
// POST /api/v1/agents
func (h *Handlers) LaunchAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agentrun.LaunchRequest](w, r, launchBodyLimit)
	if !ok {
		return
	}
	run, err := h.engine.Launch(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

type listResponse struct {
	Runs  []agentrun.Run `json:"runs"`
	Total int            `json:"total"`
}

// ListAgents lists runs with optional status/project filters and paging.
// GET /api/v1/agents
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := agentrun.ListFilter{
		Status:    agentrun.Status(q.Get("status")),
		ProjectID: q.Get("project_id"),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	runs, total, err := h.engine.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "runs not found")
		return
	}
	if runs == nil {
		runs = []agentrun.Run{}
	}
	writeJSON(w, http.StatusOK, listResponse{Runs: runs, Total: total})
}

// AgentStats aggregates run statistics over a trailing-day window.
// GET /api/v1/agents/stats?days=&project_id=
func (h *Handlers) AgentStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, _ := strconv.Atoi(q.Get("days"))
	stats, err := h.engine.Stats(r.Context(), days, q.Get("project_id"))
	if err != nil {
		writeDomainError(w, err, "stats not available")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetAgent returns one run.
// GET /api/v1/agents/{id}
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// AgentLogs returns the run's full log in insertion order.
// GET /api/v1/agents/{id}/logs
func (h *Handlers) AgentLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.engine.Logs(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if logs == nil {
		logs = []agentrun.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

// AgentTasks returns the run's current work breakdown tree.
// GET /api/v1/agents/{id}/tasks
func (h *Handlers) AgentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.engine.Tasks(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	if tasks == nil {
		tasks = []agentrun.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

// control wraps the shared shape of pause/resume/cancel.
func (h *Handlers) control(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	if err := op(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PauseAgent suspends a running agent process.
// POST /api/v1/agents/{id}/pause
func (h *Handlers) PauseAgent(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.Pause)
}

// ResumeAgent continues a paused agent process.
// POST /api/v1/agents/{id}/resume
func (h *Handlers) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.Resume)
}

// CancelAgent stops a queued or active run.
// POST /api/v1/agents/{id}/cancel
func (h *Handlers) CancelAgent(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.engine.Cancel)
}

// DeleteAgent removes a terminal run and its logs and tasks.
// DELETE /api/v1/agents/{id}
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearAgents bulk-deletes completed and failed runs.
// POST /api/v1/agents/clear
func (h *Handlers) ClearAgents(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ClearFinished(r.Context())
	if err != nil {
		writeDomainError(w, err, "runs not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// HandleWS upgrades the connection and subscribes it to run events.
// GET /ws
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}

// Health reports liveness.
// GET /health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
