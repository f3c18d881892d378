package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/bootstrap"
	"github.com/groovesheet/api/internal/config"
	"github.com/groovesheet/api/internal/events"
	"github.com/groovesheet/api/internal/handler"
	"github.com/groovesheet/api/internal/logging"
	"github.com/groovesheet/api/internal/middleware"
	"github.com/groovesheet/api/internal/service"
	ws "github.com/groovesheet/api/internal/websocket"
	"github.com/groovesheet/api/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Server.LogLevel, cfg.Server.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := bootstrap.NewRedis(ctx, cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, err := bootstrap.NewStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	q, err := bootstrap.NewQueue(cfg, store, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	hub := ws.NewHub(logger)
	go hub.Run(ctx)

	// Events reach the hub through Redis when it is available so every API
	// replica sees progress from every worker.
	var publisher events.Publisher = hub
	if redisClient != nil {
		publisher = events.NewRedisPublisher(redisClient)
		relay := events.NewRelay(redisClient, hub, logger)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("event relay stopped", zap.Error(err))
			}
		}()
	}

	verifiers, err := bootstrap.NewVerifiers(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up auth: %w", err)
	}
	authn := middleware.NewAuthMiddleware(verifiers...)
	if !authn.Enabled() {
		logger.Warn("authentication disabled")
	}

	svc := service.NewTranscriptionService(store, q, validator.New(), logger, service.Options{
		MaxUploadSize: cfg.Upload.MaxSize,
		BaseURL:       cfg.Server.BaseURL,
	})
	h := handler.NewTranscriptionHandler(svc, hub, logger)

	checks := map[string]handler.HealthCheck{"storage": store.Ping}
	if redisClient != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	app := handler.NewApp(h, handler.RouterConfig{
		Auth:          authn,
		RateLimiter:   middleware.NewRateLimiter(redisClient, logger),
		SubmitPerHour: cfg.RateLimit.SubmitPerHour,
		Checks:        checks,
		RequestLog:    cfg.Server.Env != "production",
	}, int(cfg.Upload.MaxSize)+1<<20)

	if cfg.Worker.Embedded {
		p, err := bootstrap.NewPipeline(cfg, logger)
		if err != nil {
			return err
		}
		w := worker.New(q, store, p, events.NewNotifier(publisher, logger), logger, worker.Options{
			JobTimeout:   cfg.Worker.JobTimeout,
			LeaseTimeout: cfg.Worker.LeaseTimeout,
		})
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("embedded worker stopped", zap.Error(err))
			}
		}()
		logger.Info("embedded worker started", zap.String("queue", cfg.Queue.Backend), zap.String("pipeline", cfg.Pipeline.Backend))
	} else if cfg.Queue.Backend == "memory" {
		logger.Warn("memory queue without an embedded worker; jobs will never run")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Error("server shutdown", zap.Error(err))
		}
	}()

	addr := ":" + cfg.Server.Port
	logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("queue", cfg.Queue.Backend))
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
