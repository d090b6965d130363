/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and environment configuration
  2. Build the slog logger
  3. Open the store selected by DB_DRIVER
  4. Connect Redis when REDIS_ADDR is set (shared lock + asynq client)
  5. Create the Service, API handler and audit scheduler
  6. Start server with graceful shutdown

ENVIRONMENT:
  APP_ADDR            Listen address (default: :8080)
  DB_DRIVER           sqlite | postgres | memory (default: sqlite)
  SQLITE_PATH         SQLite database path (default: allocation.db)
  PG_DSN              PostgreSQL DSN for DB_DRIVER=postgres
  REDIS_ADDR          Enables the Redis schedule lock and asynq audit tasks
  AUDIT_INTERVAL      Projection audit interval (default: 1h, 0 disables)
  LOG_FORMAT          text | json
  See config/config.go for the full list.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database

EXAMPLES:
  # Run with file database
  SQLITE_PATH=./data/allocation.db ./server

  # Run with in-memory database
  DB_DRIVER=memory ./server

  # Shared Postgres + Redis, several replicas
  DB_DRIVER=postgres PG_DSN=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - cmd/worker: Processes the audit tasks enqueued here
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/jobs"
	"github.com/warp/allocation-engine/metrics"
	"github.com/warp/allocation-engine/store"
	"github.com/warp/allocation-engine/store/redislock"
)

func main() {
	// Missing .env is fine; the environment wins anyway.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", slog.String("driver", cfg.DBDriver), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	m := metrics.NewMetrics(nil)
	opts := []allocation.Option{
		allocation.WithLogger(logger),
		allocation.WithObserver(m),
	}

	var enqueuer api.Enqueuer
	if cfg.UsesRedis() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis ping", slog.Any("error", err))
		}
		opts = append(opts, allocation.WithLocker(redislock.New(redisClient, cfg.LockTTL)))

		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, cfg.AuditInterval)
		defer client.Close()
		enqueuer = client
	}

	svc := allocation.NewService(st, opts...)
	handler := api.NewHandler(svc, logger)

	auditor := api.NewAuditScheduler(svc, enqueuer, logger)
	auditor.Metrics = m
	auditor.CheckInterval = cfg.AuditInterval
	auditor.Enabled = cfg.AuditInterval > 0
	handler.Auditor = auditor

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:     cfg.CORSOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.AppWriteTimeout,
		Production:         cfg.IsProduction(),
		HTTPMetrics:        metrics.NewHTTP(nil),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	auditor.Start()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			slog.String("addr", cfg.AppAddr),
			slog.String("env", cfg.AppEnv),
			slog.String("driver", cfg.DBDriver),
			slog.Bool("redis", cfg.UsesRedis()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server failed", slog.Any("error", err))
	}

	logger.Info("shutting down server")
	auditor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}
