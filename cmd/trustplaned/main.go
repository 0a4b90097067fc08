// trustplaned is the trust-plane server: hash-chained execution ledgers,
// tenant contamination pipes, drift-gated LoRA exports and the vector gate,
// exposed over HTTP.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adaptco/trustplane/pkg/api"
	"github.com/adaptco/trustplane/pkg/config"
	"github.com/adaptco/trustplane/pkg/forensic"
	"github.com/adaptco/trustplane/pkg/ledger"
	"github.com/adaptco/trustplane/pkg/observability"
	"github.com/adaptco/trustplane/pkg/scenario"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite fallback driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "server", "serve":
			// fallthrough to server below
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		default:
			_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
			printUsage(stderr)
			return 2
		}
	}

	if err := runServer(); err != nil {
		_, _ = fmt.Fprintf(stderr, "trustplaned: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: trustplaned [server]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Environment:")
	_, _ = fmt.Fprintln(w, "  PORT                     listen port (default 8080)")
	_, _ = fmt.Fprintln(w, "  LOG_LEVEL                DEBUG|INFO|WARN|ERROR (default INFO)")
	_, _ = fmt.Fprintln(w, "  DATABASE_URL             Postgres DSN for the durable event store")
	_, _ = fmt.Fprintln(w, "  SQLITE_PATH              SQLite fallback when DATABASE_URL is unset")
	_, _ = fmt.Fprintln(w, "  REDIS_URL                Redis URL for cross-process execution leases")
	_, _ = fmt.Fprintln(w, "  FORENSIC_LOG_PATH        NDJSON forensic log path")
	_, _ = fmt.Fprintln(w, "  TENANT_PROFILES_DIR      directory of profile_<tenant>.yaml files")
	_, _ = fmt.Fprintln(w, "  DRIFT_PVALUE_THRESHOLD   default KS export gate threshold (0.10)")
	_, _ = fmt.Fprintln(w, "  CONTAMINATION_THRESHOLD  default pipe quarantine threshold (0.10)")
}

func runServer() error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	metrics, meterProvider, err := observability.NewWithProvider()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()

	forensicLogger, err := forensic.NewFileLogger(cfg.ForensicLogPath)
	if err != nil {
		return fmt.Errorf("open forensic log: %w", err)
	}

	eventStore, db, err := openEventStore(cfg, logger)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	opts := []scenario.Option{
		scenario.WithForensicLogger(forensicLogger),
		scenario.WithMetrics(metrics),
		scenario.WithLogger(logger.With("component", "scenario")),
	}
	if eventStore != nil {
		opts = append(opts, scenario.WithEventStore(eventStore))
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		defer client.Close()
		opts = append(opts, scenario.WithExecutionLocker(ledger.NewRedisExecutionLock(client, 30*time.Second)))
		logger.Info("redis execution leases enabled")
	}

	service := scenario.NewService(opts...)

	profiles, err := config.LoadAllTenantProfiles(cfg.ProfilesDir, cfg)
	if err != nil {
		logger.Warn("tenant profiles unavailable, using process defaults", "dir", cfg.ProfilesDir, "error", err)
		profiles = map[string]*config.TenantProfile{}
	}

	server := api.NewServer(service, cfg,
		api.WithMetrics(metrics),
		api.WithLogger(logger.With("component", "api")),
		api.WithTenantProfiles(profiles),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("trustplaned listening", "port", cfg.Port)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// openEventStore opens the durable ledger mirror: Postgres when
// DATABASE_URL is set, a local SQLite file otherwise.
func openEventStore(cfg *config.Config, logger *slog.Logger) (ledger.EventStore, *sql.DB, error) {
	driver := "postgres"
	dsn := cfg.DatabaseURL
	if dsn == "" {
		driver = "sqlite"
		dsn = os.Getenv("SQLITE_PATH")
		if dsn == "" {
			dsn = "trustplane.db"
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open event store (%s): %w", driver, err)
	}

	store := ledger.NewSQLEventStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init event store schema: %w", err)
	}

	logger.Info("durable event store ready", "driver", driver)
	return store, db, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
