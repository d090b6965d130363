/*
main.go - Projection audit worker

PURPOSE:
  Consumes the verify tasks the server's audit scheduler enqueues on Redis
  (asynq) and replays each schedule against its stored projection,
  repairing the projection when the two disagree.

ENVIRONMENT:
  REDIS_ADDR          Required. Queue and schedule lock backend
  DB_DRIVER           Must point at the same store as the server
  WORKER_CONCURRENCY  Parallel verify tasks (default: 5)

SEE ALSO:
  - jobs/tasks.go: VerifyHandler
  - api/scheduler.go: The producer side
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/jobs"
	"github.com/warp/allocation-engine/metrics"
	"github.com/warp/allocation-engine/store"
	"github.com/warp/allocation-engine/store/redislock"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := config.NewLogger(cfg)

	if !cfg.UsesRedis() {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	st, closeStore, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Error("open store", slog.String("driver", cfg.DBDriver), slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	m := metrics.NewMetrics(nil)
	svc := allocation.NewService(st,
		allocation.WithLogger(logger),
		allocation.WithObserver(m),
		allocation.WithLocker(redislock.New(redisClient, cfg.LockTTL)),
	)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Verify:      jobs.NewVerifyHandler(svc, logger, m),
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting", slog.String("redis", cfg.RedisAddr), slog.String("driver", cfg.DBDriver))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

