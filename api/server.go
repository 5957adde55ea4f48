/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the web client

ROUTE GROUPS:
  /healthz, /metrics     Unauthenticated
  /api/pricing           Public, cached by pages outside this service
  /api/payments/webhook  Gateway signature instead of a token
  /api/*                 User bearer token
  /api/admin/*           Admin bearer token

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token middleware
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

type RouterOptions struct {
	Auth        *StaticAuth
	CORSOrigins []string
	// Gatherer serves /metrics when non-nil.
	Gatherer prometheus.Gatherer
	// Quiet drops the request logger (tests).
	Quiet bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	if !opts.Quiet {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	auth := opts.Auth
	if auth == nil {
		auth = NewStaticAuth(nil, nil)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/pricing", h.GetPricing)
		r.Post("/payments/webhook", h.Webhook)

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser)

			r.Get("/settings", h.GetSettings)
			r.Put("/settings", h.PutSettings)

			r.Route("/invoices", func(r chi.Router) {
				r.Get("/", h.ListInvoices)
				r.Get("/{id}", h.GetInvoice)
				r.Put("/{id}", h.PutInvoice)
			})

			r.Get("/sequence", h.GetSequence)
			r.Post("/stores/{id}/sequence/next", h.NextNumber)

			r.Post("/payments/invoices", h.CreatePaymentInvoice)
			r.Post("/payments/verify", h.VerifyPayment)
			r.Get("/subscription", h.GetSubscription)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)

			r.Put("/pricing", h.PutPricing)
			r.Put("/templates/{id}", h.PutTemplate)
			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/redrive", h.RedriveDeadLetters)
		})
	})

	return r
}
