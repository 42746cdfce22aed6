// Package core provides the HTTP chassis for the entitlement engine.
// It builds a chi router usable both behind a standard listener (local dev)
// and AWS Lambda proxy integration, and applies the cross-cutting concerns
// (panic recovery, request IDs, logging, CORS, metrics) before requests
// reach the billing and entitlement handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"entitlements/internal/config"
)

// MetricsCollector records API request telemetry. The billing metrics
// recorder satisfies this; tests inject lightweight fakes.
type MetricsCollector interface {
	RecordAPILatency(ctx context.Context, route string, duration time.Duration)
}

// Server bundles the dependencies of the HTTP surface so tests can inject
// fakes and the entry point can wire production implementations.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// HealthProbes are checked by GET /health. Each probe covers one
	// critical dependency (database, queue).
	HealthProbes []HealthProbe

	// V1RouteRegistrars mount domain handler routes under /v1. Populated by
	// the entry point to avoid an import cycle between core and handlers.
	V1RouteRegistrars []func(chi.Router)

	// OnShutdown hooks run during Shutdown, in registration order.
	OnShutdown []func(context.Context) error

	router *chi.Mux
}

// NewServer prepares the router and validates the critical dependencies.
// Routes are mounted separately via MountRoutes so tests can customize
// registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.ListenAndServe or
// a Lambda adapter.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the underlying chi mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs the registered shutdown hooks (closing the database pool,
// flushing clients). The first hook error is returned after all hooks ran.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var firstErr error
	for _, hook := range s.OnShutdown {
		if err := hook(ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.Logger.Info("server shutdown complete")
	return firstErr
}
