// Package bootstrap builds the configured backends shared by the server and
// worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/auth"
	"github.com/groovesheet/api/internal/config"
	"github.com/groovesheet/api/internal/pipeline"
	"github.com/groovesheet/api/internal/queue"
	"github.com/groovesheet/api/internal/storage"
)

// NewRedis returns a client for the configured Redis, or nil when no
// component needs one. An unreachable Redis is logged, not fatal.
func NewRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) redis.UniversalClient {
	if !cfg.UsesRedis() {
		return nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis not available", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	return client
}

func NewStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		return storage.NewObjectStore(ctx, cfg.Storage.S3)
	case "local":
		return storage.NewLocalStore(cfg.Storage.LocalDir)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// NewQueue builds the task queue. The memory backend only reaches workers
// embedded in the same process.
func NewQueue(cfg *config.Config, store storage.Store, logger *zap.Logger) (queue.Queue, error) {
	switch cfg.Queue.Backend {
	case "asynq":
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		return queue.NewAsynqQueue(redisOpt, queue.AsynqOptions{
			Queue:    cfg.Queue.Name,
			MaxRetry: cfg.Queue.MaxRetry,
			// leave room for the final status write after a timed-out run
			Timeout:   cfg.Worker.JobTimeout + time.Minute,
			Retention: cfg.Queue.Retention,
			LogLevel:  cfg.Server.LogLevel,
		}, logger), nil
	case "polling":
		return queue.NewPollingQueue(store, queue.PollingOptions{
			Interval:     cfg.Queue.PollInterval,
			ClaimTimeout: cfg.Queue.ClaimTimeout,
			MaxRetry:     cfg.Queue.MaxRetry,
		}, logger), nil
	case "memory":
		return queue.NewMemoryQueue(), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func NewPipeline(cfg *config.Config, logger *zap.Logger) (pipeline.Pipeline, error) {
	opts := pipeline.Options{
		Device:      cfg.Pipeline.Device,
		DemucsModel: cfg.Pipeline.DemucsModel,
		Shifts:      cfg.Pipeline.Shifts,
		Overlap:     cfg.Pipeline.Overlap,
		UseDemucs:   cfg.Pipeline.UseDemucs,
	}
	switch cfg.Pipeline.Backend {
	case "service":
		client := pipeline.NewServiceClient(cfg.Pipeline.ServiceURL, cfg.Pipeline.Timeout, logger)
		return pipeline.NewServiceBackend(client, opts), nil
	case "mock":
		return pipeline.NewMock(opts, cfg.Pipeline.StageDelay), nil
	}
	return nil, fmt.Errorf("unknown pipeline backend %q", cfg.Pipeline.Backend)
}

// NewVerifiers returns the token verifiers for the configured auth mode:
// JWKS when an issuer is set, HMAC when a secret is set, both when both
// are. Disabled auth yields none.
func NewVerifiers(ctx context.Context, cfg *config.Config) ([]auth.TokenVerifier, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}
	var verifiers []auth.TokenVerifier
	if cfg.Auth.Issuer != "" {
		v, err := auth.NewJWKSVerifier(ctx, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	if cfg.Auth.Secret != "" {
		verifiers = append(verifiers, auth.NewHMACVerifier(cfg.Auth.Secret, cfg.Auth.Issuer, cfg.Auth.Audience))
	}
	return verifiers, nil
}
