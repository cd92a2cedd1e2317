/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/credits/*    Store credit
  /api/clients/*    Per-client views
  /api/targets/*    Invoices and orders
  /api/referrals/*  Referral credit
  /api/admin/*      Admin operations
  /health           Liveness and store reachability
  /metrics          Prometheus (when enabled)

SECURITY NOTE:
  No authentication middleware. Deploy behind an authenticating gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", IdempotencyHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Store credit routes
		r.Route("/credits", func(r chi.Router) {
			r.Post("/", h.CreateCredit)
			r.Get("/summary", h.GetSummary)
			r.Get("/number/{number}", h.GetCreditByNumber)
			r.Get("/{id}", h.GetCredit)
			r.Post("/{id}/apply", h.ApplyCredit)
			r.Post("/{id}/void", h.VoidCredit)
			r.Get("/{id}/applications", h.ListCreditApplications)
		})

		// Client routes
		r.Route("/clients/{id}", func(r chi.Router) {
			r.Get("/credits", h.ListClientCredits)
			r.Get("/balance", h.GetClientBalance)
			r.Get("/history", h.GetClientHistory)
		})

		// Target routes
		r.Route("/targets/{id}", func(r chi.Router) {
			r.Get("/", h.GetTarget)
			r.Put("/", h.PutTarget)
			r.Get("/applications", h.ListTargetApplications)
			r.Post("/apply-credits", h.ApplyCreditsToTarget)
		})

		// Referral routes
		r.Route("/referrals", func(r chi.Router) {
			r.Post("/", h.CreateReferral)
			r.Get("/stats", h.GetReferralStats)
			r.Get("/clients/{id}", h.GetClientReferrals)
			r.Post("/orders/{id}/available", h.MarkReferralAvailable)
			r.Post("/orders/{id}/cancel", h.CancelReferral)
			r.Post("/orders/{id}/apply", h.ApplyReferralCredits)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/expire", h.TriggerExpire)
		})
	})

	return r
}

// requestLogger logs one line per request with its outcome.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				entry := log.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"request_id": middleware.GetReqID(r.Context()),
				})
				if ww.Status() >= http.StatusInternalServerError {
					entry.Warn("request completed")
				} else {
					entry.Debug("request completed")
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
