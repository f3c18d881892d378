package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/bootstrap"
	"github.com/groovesheet/api/internal/config"
	"github.com/groovesheet/api/internal/events"
	"github.com/groovesheet/api/internal/logging"
	"github.com/groovesheet/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Queue.Backend == "memory" {
		return fmt.Errorf("queue backend %q only works with the embedded worker", cfg.Queue.Backend)
	}
	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("process", "worker"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.NewStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	q, err := bootstrap.NewQueue(cfg, store, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	p, err := bootstrap.NewPipeline(cfg, logger)
	if err != nil {
		return err
	}

	var notifier *events.Notifier
	if redisClient := bootstrap.NewRedis(ctx, cfg, logger); redisClient != nil {
		defer redisClient.Close()
		notifier = events.NewNotifier(events.NewRedisPublisher(redisClient), logger)
	}

	w := worker.New(q, store, p, notifier, logger, worker.Options{
		JobTimeout:   cfg.Worker.JobTimeout,
		LeaseTimeout: cfg.Worker.LeaseTimeout,
	})

	if cfg.Worker.HealthPort != "" {
		go worker.ServeHealth(ctx, worker.NewHealthApp(w, store, p), ":"+cfg.Worker.HealthPort, logger)
	}

	logger.Info("worker starting",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("pipeline", cfg.Pipeline.Backend),
		zap.Duration("job_timeout", cfg.Worker.JobTimeout))
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
