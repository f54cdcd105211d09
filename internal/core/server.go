// Package core provides the API chassis for the billing service. It builds a
// chi router, applies the cross-cutting middleware (recovery, request IDs,
// logging, metrics, CORS, compression, authentication) and hosts the shared
// JSON envelope helpers used by the domain handlers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"toeicprep/internal/config"
	"toeicprep/internal/types"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	// RecordRequest is called once per request with the matched route pattern.
	RecordRequest(method, route, status string, duration time.Duration)
}

// Authenticator resolves a bearer token to the calling user.
//
// Implementations return an AppError with auth_token_invalid for malformed
// or unverifiable tokens and auth_token_expired for expired ones.
type Authenticator interface {
	ResolveToken(ctx context.Context, token string) (*types.Principal, error)
}

// AdminVerifier checks the operator key presented on admin routes.
type AdminVerifier interface {
	Verify(ctx context.Context, key, ip string) error
}

// RouteRegistrar mounts a group of routes on a router. Handler packages
// provide registrars so core never imports them.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the dependencies of the HTTP API.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	Admin         AdminVerifier
	HealthProbes  []HealthProbe

	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler

	// Route groups populated by the entry point before MountRoutes.
	PublicRoutes  []RouteRegistrar // /v1, no authentication
	UserRoutes    []RouteRegistrar // /v1, bearer token required
	AdminRoutes   []RouteRegistrar // /v1/admin, admin key required
	WebhookRoutes []RouteRegistrar // /webhooks, provider-signed

	closers []func(context.Context) error
	router  *chi.Mux
}

// NewServer initializes the server. The caller registers route groups and
// then calls MountRoutes.
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
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router wrapped in gzip compression.
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a resource to release during Shutdown, in reverse order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases registered resources. All closers run even if one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.Error("error releasing resource", "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
