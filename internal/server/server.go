// Package server provides the HTTP servers for sitefs: the admin API and the
// Prometheus metrics endpoint.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/sitefs/internal/config"
	"github.com/devrev/sitefs/internal/handler"
	"github.com/devrev/sitefs/internal/health"
	"github.com/devrev/sitefs/internal/metrics"
	"github.com/devrev/sitefs/internal/middleware"
	"github.com/devrev/sitefs/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	errorHandler *handler.ErrorHandler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server. store may be nil when idempotency is
// disabled.
func NewServer(
	cfg *config.Config,
	coordinator *service.CoordinatorService,
	store health.Pinger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(
		coordinator,
		handler.NewClientRegistry(coordinator, cfg.Server.MaxClients, m, logger),
		errorHandler,
		int64(2*cfg.Replication.MaxContentBytes+4096),
		logger,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  health.NewHealthCheck(coordinator, store, logger),
		errorHandler: errorHandler,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetMembership exposes gossip membership on GET /v1/replicas.
func (s *Server) SetMembership(m handler.Membership) {
	s.handlers.SetMembership(m)
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	s.router.Use(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Instrument(s.metrics, s.logger),
	)
	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.logger,
			"/health", "/ready",
		)
		s.router.Use(rateLimiter.Limit)
	}

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	s.handlers.Register(s.router.PathPrefix("/v1").Subrouter())

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: handler.ErrorCodeInvalidRequest,
			Message:   "endpoint not found",
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, handler.ErrorResponse{
			Status:    "error",
			ErrorCode: handler.ErrorCodeInvalidRequest,
			Message:   "method not allowed",
			RequestID: r.Header.Get(middleware.RequestIDHeader),
		})
	})
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
