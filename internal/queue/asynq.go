package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/logging"
	"github.com/groovesheet/api/internal/model"
)

// AsynqOptions configures the broker-backed queue.
type AsynqOptions struct {
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
	LogLevel  string
}

// AsynqQueue is a Redis-backed queue. asynq pushes tasks into a handler; the
// handler hands each task to Consume and holds it until Ack or Nack, so a
// task that is never acked is redelivered by the broker.
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	opts   AsynqOptions
	logger *zap.Logger

	deliveries chan *Delivery
	startOnce  sync.Once
	startErr   error
}

type asynqHandle struct {
	done chan error
}

func NewAsynqQueue(redisOpt asynq.RedisClientOpt, opts AsynqOptions, logger *zap.Logger) *AsynqQueue {
	if opts.Queue == "" {
		opts.Queue = "transcription"
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		// one job at a time per worker instance
		Concurrency:     1,
		Queues:          map[string]int{opts.Queue: 1},
		Logger:          logging.Asynq(logger),
		LogLevel:        logging.AsynqLevel(opts.LogLevel),
		ShutdownTimeout: 10 * time.Second,
	})

	return &AsynqQueue{
		client:     asynq.NewClient(redisOpt),
		server:     srv,
		opts:       opts,
		logger:     logger.With(zap.String("component", "queue")),
		deliveries: make(chan *Delivery),
	}
}

// Publish enqueues a task keyed by job id; re-publishing the same job is a no-op.
func (q *AsynqQueue) Publish(ctx context.Context, task model.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(q.opts.Queue),
		asynq.MaxRetry(q.opts.MaxRetry),
		asynq.TaskID(task.JobID),
	}
	if q.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.opts.Timeout))
	}
	if q.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(q.opts.Retention))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeTranscription, payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("%w: failed to enqueue task: %v", model.ErrQueue, err)
	}
	q.logger.Debug("task enqueued", zap.String("job_id", task.JobID), zap.String("task_id", info.ID))
	return nil
}

// ProcessTask is the asynq handler. Its return value settles the task: nil
// acknowledges it, an error schedules a retry.
func (q *AsynqQueue) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task model.Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if task.JobID == "" {
		return fmt.Errorf("task without job id: %w", asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	h := &asynqHandle{done: make(chan error, 1)}
	d := &Delivery{Task: task, Attempt: retried + 1, handle: h}

	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-h.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AsynqQueue) start() error {
	q.startOnce.Do(func() {
		mux := asynq.NewServeMux()
		mux.HandleFunc(TaskTypeTranscription, q.ProcessTask)
		if err := q.server.Start(mux); err != nil {
			q.startErr = fmt.Errorf("%w: start consumer: %v", model.ErrQueue, err)
		}
	})
	return q.startErr
}

func (q *AsynqQueue) Consume(ctx context.Context) (*Delivery, error) {
	if err := q.start(); err != nil {
		return nil, err
	}
	select {
	case d := <-q.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *AsynqQueue) Ack(ctx context.Context, d *Delivery) error {
	return settleAsynq(d, nil)
}

func (q *AsynqQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	if cause == nil {
		cause = errors.New("task not acknowledged")
	}
	return settleAsynq(d, cause)
}

func settleAsynq(d *Delivery, result error) error {
	h, ok := d.handle.(*asynqHandle)
	if !ok {
		return fmt.Errorf("%w: foreign delivery", model.ErrQueue)
	}
	select {
	case h.done <- result:
		return nil
	default:
		return fmt.Errorf("%w: delivery for job %s already settled", model.ErrQueue, d.Task.JobID)
	}
}

// Close stops the consumer, if it was started, and the publishing client.
func (q *AsynqQueue) Close() error {
	q.server.Shutdown()
	return q.client.Close()
}
