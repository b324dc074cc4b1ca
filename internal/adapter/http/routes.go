// Package http provides the REST and WebSocket surface over the agent engine.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agent runs
		r.Post("/agents", h.LaunchAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/stats", h.AgentStats)
		r.Post("/agents/clear", h.ClearAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Delete("/agents/{id}", h.DeleteAgent)
		r.Get("/agents/{id}/logs", h.AgentLogs)
		r.Get("/agents/{id}/tasks", h.AgentTasks)
		r.Post("/agents/{id}/pause", h.PauseAgent)
		r.Post("/agents/{id}/resume", h.ResumeAgent)
		r.Post("/agents/{id}/cancel", h.CancelAgent)
	})

	// Live updates for dashboards
	r.Get("/ws", h.HandleWS)

	r.Get("/health", h.Health)
}
