// Package main is the entry point for the paygate API server.
//
// It loads configuration, connects the database pool, wires the Stripe client
// and billing services, builds the HTTP server with the core chassis
// (middleware, routing, health checks), and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"paygate/internal/api/handlers"
	"paygate/internal/billing"
	"paygate/internal/config"
	"paygate/internal/core"
	"paygate/internal/db"
	"paygate/internal/external"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("paygate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pool, err := db.NewPool(ctx, cfg.Database)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting database: %w", err)
	}
	defer pool.Close()

	// Repositories share the pool through the DBTX interface.
	links := db.NewCustomerLinkRepo(pool)
	sessions := db.NewCheckoutSessionRepo(pool)
	subs := db.NewSubscriptionRepo(pool)
	events := db.NewEventLedgerRepo(pool)

	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.StripeTimeout},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeAPIBaseURL,
			Logger:    logger,
		},
	)

	catalog, err := billing.NewPlanCatalog(cfg.Billing.PlansJSON)
	if err != nil {
		return fmt.Errorf("loading plan catalog: %w", err)
	}

	checkoutSvc := billing.NewCheckoutService(
		catalog,
		stripeClient,
		links,
		sessions,
		cfg.Server.FrontendURL,
		logger,
	)
	verifier := billing.NewSuccessVerifier(stripeClient, sessions, logger)
	reconciler := billing.NewReconciler(stripeClient, links, sessions, subs, events, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.HealthProbes = append(srv.HealthProbes, db.NewProbe(pool))

	paymentsHandler := handlers.NewPaymentsHandler(checkoutSvc, verifier, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		reconciler,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		logger,
	)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		paymentsHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
