// Package api exposes the scoring engine over HTTP.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/observability"
)

// Dependencies are the collaborators the HTTP server routes to.
type Dependencies struct {
	Scorer   Scorer
	Verdicts VerdictReader
	Rules    RuleAdmin
	Metrics  *observability.Metrics

	// Checks are pinged by /health and /ready, keyed by component name.
	Checks  map[string]Pinger
	Version string
}

// Server binds the scoring routes to an http.Server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(deps.Scorer, deps.Verdicts, deps.Rules, deps.Checks, deps.Version),
		config:  cfg,
	}
	s.middleware(deps.Metrics)
	s.routes(deps.Metrics)
	return s
}

func (s *Server) middleware(metrics *observability.Metrics) {
	s.router.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)
	if metrics != nil {
		s.router.Use(MetricsMiddleware(metrics))
	}
}

func (s *Server) routes(metrics *observability.Metrics) {
	h := s.handler

	s.router.Get("/health", h.Health)
	s.router.Get("/ready", h.Ready)
	if metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	s.router.Post("/predict", h.Predict)
	s.router.Get("/verdicts/{id}", h.GetVerdict)

	s.router.Get("/rules", h.ListRules)
	s.router.Put("/rules/thresholds", h.UpdateThresholds)
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the root handler, used directly by httptest servers.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the route handlers.
func (s *Server) Handler() *Handler {
	return s.handler
}
