/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     One zap line per request (logger.Middleware)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests, origins from configuration

ROUTE GROUPS:
  /api/companies/*      Companies, tickets, ledger
  /api/statements/*     Statements, discounts, payment
  /api/admin/*          Batch runs, regeneration, statement reset
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus scrape endpoint
  /healthz              Liveness and store check

SECURITY NOTE:
  No authentication middleware. All endpoints are public; admin routes
  must be protected by the gateway in front of the service.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/ticket-billing/logger"
)

// RouterOptions tunes NewRouter. Zero values give development defaults.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(logger.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Company routes
		r.Route("/companies", func(r chi.Router) {
			r.Get("/", h.ListCompanies)
			r.Post("/", h.SaveCompany)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCompany)
				r.Get("/balance", h.GetBalance)
				r.Post("/tickets", h.IngestTickets)
				r.Get("/statements", h.ListStatements)
				r.Post("/run", h.RunCompany)

				// Ledger
				r.Get("/movements", h.ListMovements)
				r.Delete("/movements/{movementID}", h.RemoveMovement)
				r.Post("/adjustments", h.PostAdjustment)
				r.Post("/recalculate", h.Recalculate)
				r.Get("/ledger/verify", h.VerifyLedger)
			})
		})

		// Statement routes
		r.Route("/statements", func(r chi.Router) {
			r.Get("/", h.ListStatements)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetStatement)
				r.Get("/discount", h.GetDiscount)
				r.Post("/discount", h.ApplyDiscount)
				r.Post("/discount/reverse", h.ReverseDiscount)
				r.Post("/pay", h.MarkPaid)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/run", h.RunAll)
			r.Post("/regenerate", h.Regenerate)
			r.Post("/statements/{id}/reset", h.ResetStatement)
			r.Get("/runs", h.ListRuns)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
