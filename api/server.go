/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for back-office frontends

ROUTE GROUPS:
  /api/events/*    Inbound business events
  /api/scales/*    Scale administration
  /api/agents/*    Per-agent ledger queries
  /api/lines/*     Manual payout overrides
  /api/audit       Engine audit trail

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		// Event intake
		r.Route("/events", func(r chi.Router) {
			r.Post("/contract-validated", h.ContractValidated)
			r.Post("/payment-confirmed", h.PaymentConfirmed)
			r.Post("/period-closed", h.PeriodClosed)
			r.Post("/contract-terminated", h.ContractTerminated)
		})

		// Scale administration
		r.Route("/scales", func(r chi.Router) {
			r.Get("/", h.ListScales)
			r.Post("/", h.CreateScale)
			r.Get("/{id}", h.GetScale)
			r.Get("/{id}/versions/{version}", h.GetScaleVersion)
		})

		// Agent ledger queries
		r.Route("/agents", func(r chi.Router) {
			r.Get("/{id}/lines", h.GetAgentLines)
			r.Get("/{id}/carryforwards", h.GetAgentCarryforwards)
			r.Get("/{id}/batches/{period}", h.GetAgentBatch)
		})

		// Manual overrides
		r.Route("/lines", func(r chi.Router) {
			r.Post("/{id}/exclude", h.ExcludeLine)
			r.Post("/{id}/include", h.IncludeLine)
		})

		// Audit trail
		r.Get("/audit", h.GetAudit)
	})

	return r
}
