// Package main is the entry point for the billing and quota API server.
//
// It loads configuration, connects the configured stores, assembles the
// billing engine and serves the HTTP API until SIGINT or SIGTERM, then
// drains in-flight requests and releases connections.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"toeicprep/internal/api/handlers"
	"toeicprep/internal/app"
	"toeicprep/internal/auth"
	"toeicprep/internal/config"
	"toeicprep/internal/core"
	"toeicprep/internal/types"
)

const metricsNamespace = "toeic_billing"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
		"store_backend", cfg.Storage.Backend,
		"quota_backend", cfg.Storage.QuotaBackend,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	metrics := core.NewMetrics(metricsNamespace)
	components, err := app.Build(startCtx, cfg, logger, app.Options{Recorder: metrics})
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, components, metrics, logger)
	if err != nil {
		components.Close()
		return err
	}
	return runHTTPServer(srv, cfg, logger)
}

// buildServer wires authentication, metrics, health probes and every route
// group onto a core.Server.
func buildServer(cfg *config.Config, c *app.Components, metrics *core.Metrics, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	if c.Pool != nil {
		if err := metrics.Register(poolCollectors(c.Pool)...); err != nil {
			return nil, fmt.Errorf("registering pool metrics: %w", err)
		}
	}
	srv.Metrics = metrics
	srv.MetricsHandler = metrics.Handler()
	srv.HealthProbes = c.Probes

	srv.Authenticator = auth.NewJWTAuthenticator(auth.TokenConfig{
		Secret: cfg.Auth.JWTSecret.Unmask(),
		Issuer: cfg.Auth.JWTIssuer,
	}, nil)
	guard := auth.NewAdminGuard(cfg.Auth.AdminAPIKeyHash.Unmask(), auth.DefaultAdminGuardConfig(), logger)
	if !guard.Enabled() {
		logger.Warn("ADMIN_API_KEY_HASH is not set; admin routes will reject every request")
	}
	srv.Admin = guard

	subscriptions := handlers.NewSubscriptionHandler(c.Service, c.Enforcer, c.Catalog, srv.Validator, cfg.Server.DashboardURL, logger)
	admin := handlers.NewAdminHandler(c.Service, srv.Validator, logger)
	webhooks := handlers.NewStripeWebhookHandler(c.Clients.Webhooks, c.Reconciler, logger)

	srv.PublicRoutes = append(srv.PublicRoutes, subscriptions.RegisterPublicRoutes)
	srv.UserRoutes = append(srv.UserRoutes, subscriptions.RegisterRoutes)
	srv.AdminRoutes = append(srv.AdminRoutes, admin.RegisterRoutes)
	srv.WebhookRoutes = append(srv.WebhookRoutes, webhooks.RegisterRoutes)

	if c.Clients.AI != nil {
		gate := func(resource types.ResourceType, feature types.Feature) func(http.Handler) http.Handler {
			return srv.RequireFeature(c.Enforcer, resource, feature)
		}
		srv.UserRoutes = append(srv.UserRoutes, handlers.NewAIProxyHandler(c.Clients.AI, gate, logger).RegisterRoutes)
	} else {
		logger.Info("AI_SERVICE_URL not set; AI proxy routes disabled")
	}

	srv.OnShutdown(func(context.Context) error {
		c.Close()
		return nil
	})
	srv.MountRoutes()
	return srv, nil
}

// poolCollectors exposes pgxpool statistics as gauges.
func poolCollectors(pool *pgxpool.Pool) []prometheus.Collector {
	gauge := func(name, help string, fn func(*pgxpool.Stat) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn(pool.Stat())) })
	}
	return []prometheus.Collector{
		gauge("acquired_conns", "Connections currently checked out", (*pgxpool.Stat).AcquiredConns),
		gauge("idle_conns", "Idle connections in the pool", (*pgxpool.Stat).IdleConns),
		gauge("total_conns", "Open connections in the pool", (*pgxpool.Stat).TotalConns),
		gauge("max_conns", "Configured pool size", (*pgxpool.Stat).MaxConns),
	}
}

// runHTTPServer serves until a shutdown signal, then drains with a deadline.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
