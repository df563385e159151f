package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetdash/internal/panel"
)

// healthCheckTimeout bounds the dependency checks behind GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Dashboard UI (embedded static assets, public; the page asks for a token)
	r.Handle("/dashboard/*", http.StripPrefix("/dashboard", panel.Handler(s.cfg.DashboardDir)))
	r.Handle("/dashboard", http.RedirectHandler("/dashboard/", http.StatusMovedPermanently))
	r.Handle("/", http.RedirectHandler("/dashboard/", http.StatusFound))

	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Get("/bus", s.handleBusStatus)
			r.Post("/publish/*", s.handlePublish)

			r.Route("/ping", func(r chi.Router) {
				r.Get("/results", s.handlePingResults)
				r.Post("/{peer}", s.handlePing)
				r.Post("/{peer}/batch", s.handleBatch)
			})

			r.Route("/history", func(r chi.Router) {
				r.Get("/", s.handleListHistory)
				r.Get("/{id}", s.handleGetHistory)
			})

			r.Get("/audit", s.handleListAudit)

			r.Route("/fleet", func(r chi.Router) {
				r.Get("/", s.handleListPeers)
				r.Get("/{peer}", s.handleGetPeer)
				r.Get("/{peer}/logs", s.handlePeerLogs)
			})
		})
	})

	return r
}

// handleHealth reports the server and its dependencies. The bus being down
// is a degraded state, not a failure: the dashboard keeps serving.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	checks := map[string]string{"bus": "ok"}
	if err := s.bus.HealthCheck(ctx); err != nil {
		status = "degraded"
		checks["bus"] = err.Error()
	}
	if s.db != nil {
		checks["database"] = "ok"
		if err := s.db.HealthCheck(ctx); err != nil {
			status = "degraded"
			checks["database"] = err.Error()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": s.version,
		"checks":  checks,
	})
}
