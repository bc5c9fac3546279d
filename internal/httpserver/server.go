package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/auth"
	"github.com/PortNumber53/propcare-billing/internal/config"
	"github.com/PortNumber53/propcare-billing/internal/handlers"
	requesttracking "github.com/PortNumber53/propcare-billing/internal/middleware"
	"github.com/PortNumber53/propcare-billing/internal/worker"
)

// Deps are the collaborators mounted on the router. Nil optional fields
// leave their routes unregistered.
type Deps struct {
	DB        handlers.Pinger
	Billing   handlers.BillingService
	Payments  handlers.PaymentHistoryStore
	Auth      auth.IdentityResolver
	Webhook   http.Handler
	Jobs      handlers.JobQueue
	Worker    *worker.Worker
	Scheduler *worker.Scheduler
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	scheduler  *worker.Scheduler

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requesttracking.NewRequestTracker("/healthz", "/readyz", "/metrics").Middleware())

	router.Get("/healthz", handlers.Health)
	if deps.DB != nil {
		router.Get("/readyz", handlers.Ready(deps.DB))
	}
	router.Handle("/metrics", promhttp.Handler())

	if deps.Billing != nil {
		billingHandler := &handlers.BillingHandler{
			Service:  deps.Billing,
			Payments: deps.Payments,
			Auth:     deps.Auth,
		}
		billingHandler.RegisterRoutes(router)
	}

	// Stripe signs the raw body, so this route stays outside any body-consuming middleware.
	if deps.Webhook != nil {
		router.Method(http.MethodPost, "/api/webhooks/stripe", deps.Webhook)
	}

	if deps.Jobs != nil {
		jobHandler := &handlers.JobHandler{Queue: deps.Jobs, AdminToken: cfg.AdminToken}
		jobHandler.RegisterRoutes(router)
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: srv,
		worker:     deps.Worker,
		scheduler:  deps.Scheduler,
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}
}

// Start begins serving HTTP traffic and starts the worker and scheduler.
func (s *Server) Start() error {
	if s.worker != nil {
		log.Info().Str("worker_id", s.worker.ID()).Msg("server: starting job worker")
		s.worker.Start(s.bgCtx)
	}
	if s.scheduler != nil {
		s.scheduler.Start(s.bgCtx)
	}
	log.Info().Str("addr", s.httpServer.Addr).Msg("server: listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the scheduler first so no new sweeps are queued, then
// drains the worker and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.worker != nil {
		log.Info().Msg("server: shutting down job worker")
		if err := s.worker.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("server: worker shutdown error")
		}
	}
	s.bgCancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
