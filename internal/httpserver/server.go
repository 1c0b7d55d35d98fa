package httpserver

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sportify/backend/internal/config"
	"github.com/sportify/backend/internal/handlers"
	"github.com/sportify/backend/internal/metrics"
	appmiddleware "github.com/sportify/backend/internal/middleware"
	"github.com/sportify/backend/internal/models"
)

// Dependencies are the services the routes are built from.
type Dependencies struct {
	DB            handlers.Pinger
	Plans         handlers.PlanLister
	History       handlers.HistoryStore
	Subscriptions handlers.SubscriptionService
	Payments      handlers.PaymentService
	Entitlements  handlers.EntitlementService
	Authenticator *appmiddleware.Authenticator
	Metrics       *metrics.Metrics
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
}

// New constructs an HTTP server using the provided configuration and services.
func New(cfg config.Config, deps Dependencies) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	if deps.Metrics != nil {
		router.Use(appmiddleware.RequestMetrics(deps.Metrics))
		router.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	router.Get("/healthz", handlers.Health(deps.DB))

	subscriptions := handlers.NewSubscriptionHandler(deps.Subscriptions, deps.History, deps.Metrics, cfg.Location)
	payments := handlers.NewPaymentHandler(deps.Payments, deps.Metrics)
	access := handlers.NewAccessHandler(deps.Entitlements)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/plans", handlers.ListPlans(deps.Plans))

		// ECPay calls these server to server; the CheckMacValue authenticates them.
		r.Post("/payments/notify", payments.Notify())
		r.Post("/payments/cancel-notify", payments.CancelNotify())

		r.Group(func(r chi.Router) {
			r.Use(deps.Authenticator.RequireAuth)
			r.Get("/auth/me", access.Me())

			r.Group(func(r chi.Router) {
				r.Use(appmiddleware.RequireRole(models.RoleUser))

				r.Post("/users/subscription", subscriptions.Create())
				r.Patch("/users/subscription", subscriptions.Cancel())
				r.Get("/users/subscriptions", subscriptions.History())
				r.Get("/users/courses/{courseID}/access", access.CourseAccess())
				r.Get("/users/skills/{skillID}/access", access.SkillAccess())

				r.Post("/payments/checkout", payments.Checkout())
				r.Post("/payments/cancel", payments.Cancel())
			})
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv}
}

// Start begins serving HTTP traffic.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
