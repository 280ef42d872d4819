// Package core provides the API chassis for the paygate service.
// It creates a chi router and enforces cross-cutting concerns -- logging,
// panic recovery, request correlation, and error handling -- before requests
// reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"paygate/internal/config"
)

// Server encapsulates the router and cross-cutting dependencies for the API,
// allowing for easy injection during testing and distinct configuration for
// different environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are checked by GET /health. Each probe represents a
	// critical dependency (database, payment provider) that must be
	// operational for the service to function.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are populated by the application entry point to
	// mount domain handler routes under /v1. This indirection avoids
	// import cycles between core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server resources. Connection
// pools are owned and closed by the entry point; this hook exists so the
// shutdown sequence is logged in one place and can grow additional cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")
	s.Logger.Info("server shutdown complete")
	return nil
}
