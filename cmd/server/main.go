/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the credit ledger. Loads configuration, opens
  the configured store, wires the services, and runs one of:

COMMANDS:
  serve    HTTP API plus the scheduled expiration sweep (default)
  sweep    Run the expiration sweep once and exit
  migrate  Create or update the database schema and exit

CONFIGURATION:
  --config      TOML file (optional)
  --addr        Overrides [server].addr
  --db-driver   Overrides [database].driver (sqlite, postgres, memory)
  --db          Overrides [database].path or [database].dsn
  --log-level   Overrides [log].level
  Environment: LEDGER_* variables, optionally from a .env file.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiration scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Close the database connection

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/warp/credit-ledger/api"
	"github.com/warp/credit-ledger/config"
	"github.com/warp/credit-ledger/credit"
	"github.com/warp/credit-ledger/generic"
	"github.com/warp/credit-ledger/generic/store"
	"github.com/warp/credit-ledger/metrics"
	"github.com/warp/credit-ledger/referral"
	"github.com/warp/credit-ledger/store/postgres"
	"github.com/warp/credit-ledger/store/sqlite"
)

var (
	configPath string
	addrFlag   string
	driverFlag string
	dbFlag     string
	levelFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "ledger",
	Short:         "Stored-credit ledger service",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiration scheduler",
	RunE:  runServe,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue credits once and exit",
	RunE:  runSweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema and exit",
	RunE:  runMigrate,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	pf.StringVar(&addrFlag, "addr", "", "HTTP listen address")
	pf.StringVar(&driverFlag, "db-driver", "", "Database driver: sqlite, postgres or memory")
	pf.StringVar(&dbFlag, "db", "", "SQLite path or PostgreSQL DSN")
	pf.StringVar(&levelFlag, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("ledger exited")
	}
}

// =============================================================================
// SETUP
// =============================================================================

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if addrFlag != "" {
		cfg.Server.Addr = addrFlag
	}
	if driverFlag != "" {
		cfg.Database.Driver = driverFlag
	}
	if dbFlag != "" {
		if cfg.Database.Driver == config.DriverPostgres {
			cfg.Database.DSN = dbFlag
		} else {
			cfg.Database.Path = dbFlag
		}
	}
	if levelFlag != "" {
		cfg.Log.Level = levelFlag
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

type ledgerStore interface {
	generic.Store
	Close() error
}

type memoryStore struct{ *store.Memory }

func (memoryStore) Close() error { return nil }

func openStore(cfg config.DatabaseConfig) (ledgerStore, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return sqlite.New(cfg.Path)
	case config.DriverPostgres:
		return postgres.New(cfg.DSN, postgres.Options{
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
	case config.DriverMemory:
		return memoryStore{store.NewMemory()}, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}

type app struct {
	cfg       config.Config
	log       *logrus.Logger
	store     ledgerStore
	credits   *credit.Service
	referrals *referral.Service
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log)

	st, err := openStore(cfg.Database)
	if err != nil {
		return nil, err
	}

	var rec generic.Recorder = generic.NopRecorder{}
	if cfg.Server.Metrics {
		rec = metrics.Recorder{}
	}
	clock := generic.SystemClock{}
	credits := credit.NewService(st, clock, logger, rec)
	credits.SetRetries(cfg.Engine.MaxRetries, cfg.Engine.RetryBackoff)
	credits.Balances.ExpiringWindow = cfg.ExpiringWindow()

	settings, err := cfg.ReferralSettings()
	if err != nil {
		st.Close()
		return nil, err
	}
	referrals := referral.NewService(credits.Ledger, credits.Allocator, credits.Balances, settings)

	return &app{cfg: cfg, log: logger, store: st, credits: credits, referrals: referrals}, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.store.Close()

	handler := api.NewHandler(a.credits, a.referrals)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowOrigins,
		Metrics:        a.cfg.Server.Metrics,
	})

	var scheduler *api.ExpirationScheduler
	if a.cfg.Sweep.Enabled {
		scheduler = api.NewExpirationScheduler(a.credits.Ledger, a.cfg.Sweep.Schedule, a.log)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"addr":   a.cfg.Server.Addr,
			"driver": a.cfg.Database.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	a.log.Info("shutting down server")
	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), api.SweepTimeout)
	defer cancel()
	n, err := a.credits.MarkExpired(ctx)
	if err != nil {
		return err
	}
	a.log.WithField("expired", n).Info("sweep completed")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.store.Close()
	a.log.WithField("driver", a.cfg.Database.Driver).Info("schema is up to date")
	return nil
}
