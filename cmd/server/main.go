/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tool ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (TOOLLEDGER_* environment, optional .env)
  2. Open the backend selected by TOOLLEDGER_STORE_DRIVER
  3. Build the guard (in-process, plus Redis when TOOLLEDGER_REDIS_URL is set)
  4. Wire ledger, admin service, metrics and router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (TOOLLEDGER_SHUTDOWN_TIMEOUT)
  3. Close backend and Redis connections
  4. Exit

EXAMPLES:
  # Run with the default SQLite file
  ./server

  # Run in memory, console logs
  TOOLLEDGER_STORE_DRIVER=memory TOOLLEDGER_LOG_FORMAT=console ./server

  # Postgres with a shared Redis guard
  TOOLLEDGER_STORE_DRIVER=postgres \
  TOOLLEDGER_POSTGRES_DSN=postgres://ledger@localhost/ledger \
  TOOLLEDGER_REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment variables
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
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/warp/tool-ledger/admin"
	"github.com/warp/tool-ledger/api"
	"github.com/warp/tool-ledger/config"
	"github.com/warp/tool-ledger/ledger"
	"github.com/warp/tool-ledger/ledger/store"
	"github.com/warp/tool-ledger/lock/redislock"
	"github.com/warp/tool-ledger/logger"
	"github.com/warp/tool-ledger/metrics"
	"github.com/warp/tool-ledger/store/postgres"
	"github.com/warp/tool-ledger/store/sqlite"
)

const serviceName = "tool-ledger"

// backend is what main needs from any storage driver.
type backend interface {
	ledger.Backend
	Reset(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// memoryBackend adapts the in-memory store, which has nothing to ping or close.
type memoryBackend struct {
	*store.Memory
}

func (memoryBackend) Ping(context.Context) error { return nil }
func (memoryBackend) Close() error               { return nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Format:      cfg.App.LogFormat,
	})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize backend
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("backend ready")

	// Guard
	var locker ledger.Locker = ledger.NewLocalLocker()
	if cfg.Lock.RedisURL != "" {
		rdb, err := redislock.Connect(ctx, cfg.Lock.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		locker = ledger.ChainLocker(locker, redislock.New(rdb, redislock.Options{
			TTL:  cfg.Lock.TTL,
			Wait: cfg.Lock.Wait,
		}, log))
		log.Info().Msg("distributed guard enabled")
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedgerMetrics(reg)

	l := ledger.New(be,
		ledger.WithLocker(locker),
		ledger.WithLockWait(cfg.Lock.Wait),
		ledger.WithObserver(ledgerMetrics),
		ledger.WithLogger(log.With().Str("component", "ledger").Logger()),
		ledger.WithProvisionalPrefix(cfg.Ledger.ProvisionalPrefix),
	)
	adm := admin.NewService(l, be, log.With().Str("component", "admin").Logger())

	var resetter api.Resetter
	if cfg.App.IsDev() {
		resetter = be
	}
	handler := api.NewHandler(l, adm, resetter, log)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:      be.Ping,
	})

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("env", cfg.App.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch strings.ToLower(cfg.Store.Driver) {
	case config.DriverMemory:
		return memoryBackend{store.NewMemory()}, nil
	case config.DriverPostgres:
		return postgres.New(ctx, postgres.Options{
			DSN:             cfg.Store.PostgresDSN,
			MaxConns:        cfg.Store.PostgresMaxConns,
			MaxConnLifetime: cfg.Store.PostgresLifetime,
		})
	default:
		path := cfg.Store.SQLitePath
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return sqlite.New(path)
	}
}
