package events

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix namespaces job event channels on Redis.
const ChannelPrefix = "groovesheet:jobs:"

// Channel returns the pub/sub channel for a job.
func Channel(jobID string) string {
	return ChannelPrefix + jobID
}

// RedisPublisher publishes job events on Redis pub/sub so that processes
// other than the worker can relay them.
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, jobID string, payload []byte) error {
	if err := p.client.Publish(ctx, Channel(jobID), payload).Err(); err != nil {
		return fmt.Errorf("publish job event: %w", err)
	}
	return nil
}

// Relay forwards every job event from Redis to a local Publisher, usually
// the WebSocket hub.
type Relay struct {
	client redis.UniversalClient
	sink   Publisher
	logger *zap.Logger
}

func NewRelay(client redis.UniversalClient, sink Publisher, logger *zap.Logger) *Relay {
	return &Relay{client: client, sink: sink, logger: logger.With(zap.String("component", "events-relay"))}
}

// Run blocks until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to job events: %w", err)
	}
	r.logger.Info("relaying job events", zap.String("pattern", ChannelPrefix+"*"))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			jobID := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			if err := r.sink.Publish(ctx, jobID, []byte(msg.Payload)); err != nil {
				r.logger.Warn("relay failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}
}
