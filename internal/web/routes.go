package web

import (
	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/facetrack/internal/web/handlers"
	"github.com/kozaktomas/facetrack/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireToken(s.config.Token))

		// Session lifecycle
		r.Get("/status", s.sessions.Status)
		r.Post("/session/start", s.sessions.Start)
		r.Post("/session/stop", s.sessions.Stop)
		r.Post("/sync", s.sessions.Sync)

		// Local record
		r.Get("/sessions", s.records.ListSessions)
		r.Get("/sessions/{id}/confirmations", s.records.Confirmations)
		r.Get("/identities", s.records.Identities)
	})
}
