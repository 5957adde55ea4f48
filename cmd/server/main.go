/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the invoice engine server: invoice sync API,
  sequence allocation and payment reconciliation.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (YAML + INVOICE_* env)
  2. Initialize logger and store
  3. Wire invoicing, gateway client, coordinator, reconciler, metrics
  4. Create API handler and router
  5. Start redrive scheduler and coordinator sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides server.addr
  -db      Database DSN, overrides database.dsn
           sqlite://invoices.db, postgres://..., or memory://

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and sweeper
  2. Stop accepting new connections
  3. Wait for active requests to complete (shutdown_timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="sqlite://./data/invoices.db"

  # Run in memory on a different port
  ./server -db="memory://" -port=3000

  # Run from a config file
  INVOICE_GATEWAY_API_KEY=sk_live_x ./server -config=server.yaml

SEE ALSO:
  - config/config.go: Configuration keys and environment overrides
  - api/server.go: Router configuration
  - store/open.go: Backend selection
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/invoice-engine/api"
	"github.com/warp/invoice-engine/cache"
	"github.com/warp/invoice-engine/config"
	"github.com/warp/invoice-engine/invoicing"
	"github.com/warp/invoice-engine/logging"
	"github.com/warp/invoice-engine/payment"
	"github.com/warp/invoice-engine/sequence"
	"github.com/warp/invoice-engine/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides server.addr)")
	dsn := flag.String("db", "", "Database DSN (overrides database.dsn)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// Initialize store
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer st.Close()
	logger.Info().Str("backend", store.Backend(cfg.Database.DSN)).Msg("store opened")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Invoicing
	alloc := sequence.NewAllocator(st, sequence.WithLocation(loc), sequence.WithLogger(logger))
	invoices := invoicing.NewService(st, alloc, logger)

	// Payments
	gateway := payment.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.APIKey,
		payment.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.Timeout}),
		payment.WithGatewayRetry(cfg.Gateway.Retry),
		payment.WithGatewayLogger(logger),
	)
	coord := payment.NewCoordinator(payment.WithGracePeriod(cfg.Payments.GracePeriod))
	go coord.Run(ctx, cfg.Payments.SweepInterval)
	reconciler := payment.NewReconciler(st, cfg.Payments.ReconcileTimeout, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := payment.NewMetrics(registry, coord)

	payments := payment.NewService(st, gateway, coord, reconciler,
		payment.WithMetrics(metrics),
		payment.WithRedriveBackoff(cfg.Payments.RedriveBackoff),
		payment.WithServiceLogger(logger),
	)

	// Cache revalidation
	var invalidator cache.Invalidator = cache.Nop{}
	if cfg.Cache.RevalidateURL != "" {
		invalidator = cache.NewHTTPInvalidator(cfg.Cache.RevalidateURL, cfg.Cache.Secret, logger)
	}

	// Initialize handler
	limiter := api.NewUserLimiter(cfg.Payments.VerifyRate, cfg.Payments.VerifyBurst)
	handler := api.NewHandler(api.Deps{
		Invoicing:          invoices,
		Payments:           payments,
		Admin:              st,
		Cache:              invalidator,
		Limiter:            limiter,
		WebhookSecret:      cfg.Gateway.WebhookSecret,
		SignatureTolerance: cfg.Gateway.SignatureTolerance,
		Logger:             logger,
	})

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:        api.NewStaticAuth(cfg.Auth.Tokens, cfg.Auth.AdminTokens),
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    registry,
	})

	// Start redrive scheduler
	scheduler := api.NewRedriveScheduler(payments, limiter, logger)
	scheduler.CheckInterval = cfg.Payments.RedriveInterval
	scheduler.BatchSize = cfg.Payments.RedriveBatch
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
