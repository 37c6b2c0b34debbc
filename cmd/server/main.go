/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ticket billing server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL) and register DB metrics
  4. Build the billing engine, API handler and scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a config file (default: config.yaml in . or ./config)
  -port    HTTP server port, overrides app.port
  -db      Database DSN, overrides database.dsn
           Use ":memory:" for an in-memory SQLite database

ENVIRONMENT:
  Every config key can be set as BILLING_<SECTION>_<KEY>, for example
  BILLING_DATABASE_DRIVER=pgx or BILLING_SCHEDULER_INTERVAL=15m.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (the company in flight finishes)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ticket-billing/api"
	"github.com/warp/ticket-billing/billing"
	"github.com/warp/ticket-billing/config"
	"github.com/warp/ticket-billing/logger"
	"github.com/warp/ticket-billing/metrics"
	"github.com/warp/ticket-billing/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Path to config file")
	port := flag.String("port", "", "HTTP server port (overrides app.port)")
	dsn := flag.String("db", "", "Database DSN (overrides database.dsn)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	log = log.With(zap.String("service", cfg.App.Name), zap.String("env", cfg.App.Env))

	// Initialize store
	store, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()
	metrics.Init(store.DB(), log)

	loc, err := cfg.Billing.Location()
	if err != nil {
		return err
	}
	engine := billing.NewEngine(store,
		billing.WithLogger(log.Named("engine")),
		billing.WithLocation(loc),
		billing.WithTolerance(cfg.Billing.Tolerance),
		billing.WithWorkers(cfg.Scheduler.Workers),
		billing.WithOperationTimeout(cfg.Scheduler.OperationTimeout),
	)

	handler := api.NewHandler(engine, store, log.Named("api"))
	if err := handler.Scenarios().LoadDir(cfg.Scenarios.Dir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load scenarios: %w", err)
		}
		log.Debug("no scenario directory", zap.String("dir", cfg.Scenarios.Dir))
	}

	scheduler := api.NewBillingScheduler(engine, store, log)
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Start()

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.HTTP.CORSAllowOrigins}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		scheduler.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg config.DatabaseConfig) (*sqlite.Store, error) {
	var (
		store *sqlite.Store
		err   error
	)
	if cfg.Driver == string(sqlite.DialectSQLite) {
		store, err = sqlite.New(cfg.DSN)
	} else {
		store, err = sqlite.Open(sqlite.Dialect(cfg.Driver), cfg.DSN)
	}
	if err != nil {
		return nil, err
	}
	store.ConfigurePool(cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime)
	return store, nil
}
