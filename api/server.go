/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for admin frontends

ROUTE GROUPS:
  /api/members/*      Grants, deductions, freezes, balance, history
  /api/deductions/*   Deduction traces
  /api/admin/*        Sweep and audit
  /healthz            Liveness
  /metrics            Prometheus exposition

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that
  authenticates callers.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. Metrics are
// served from gatherer, or the default registry when it is nil.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members/{id}", func(r chi.Router) {
			r.Post("/grants", h.Grant)
			r.Post("/deductions", h.Deduct)
			r.Post("/reserve", h.Reserve)
			r.Post("/release", h.Release)
			r.Get("/balance", h.GetBalance)
			r.Get("/entries", h.GetEntries)
		})

		// Deduction routes
		r.Route("/deductions", func(r chi.Router) {
			r.Get("/{id}/traces", h.GetTraces)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.TriggerSweep)
			r.Get("/audit", h.Audit)
		})
	})

	r.Get("/healthz", h.Health)

	var metrics http.Handler
	if gatherer == nil {
		metrics = promhttp.Handler()
	} else {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	return r
}
