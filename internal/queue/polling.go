package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/internal/storage"
)

// PollingOptions configures the store-scanning queue.
type PollingOptions struct {
	Interval time.Duration
	// ClaimTimeout is how long a processing job may go without an update
	// before it is considered abandoned and reclaimed.
	ClaimTimeout time.Duration
	MaxRetry     int
}

// PollingQueue treats queued job records as messages. It scans the store,
// claims a job by moving it to processing and yields it. Claims are best
// effort: stores that implement storage.Claimer get an exclusive lock,
// others rely on the worker's duplicate guard.
type PollingQueue struct {
	store   storage.Store
	claimer storage.Claimer
	opts    PollingOptions
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
	retryAt  map[string]time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

type pollingHandle struct {
	jobID   string
	release func()
	done    bool
}

func NewPollingQueue(store storage.Store, opts PollingOptions, logger *zap.Logger) *PollingQueue {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = 45 * time.Minute
	}
	claimer, _ := store.(storage.Claimer)
	return &PollingQueue{
		store:    store,
		claimer:  claimer,
		opts:     opts,
		logger:   logger.With(zap.String("component", "queue")),
		now:      time.Now,
		inflight: make(map[string]struct{}),
		retryAt:  make(map[string]time.Time),
		closed:   make(chan struct{}),
	}
}

// Publish is a no-op: the queued job record is the message.
func (q *PollingQueue) Publish(ctx context.Context, task model.Task) error {
	select {
	case <-q.closed:
		return fmt.Errorf("%w: %v", model.ErrQueue, ErrClosed)
	default:
		return nil
	}
}

func (q *PollingQueue) Consume(ctx context.Context) (*Delivery, error) {
	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()

	for {
		d, err := q.poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			q.logger.Warn("poll failed", zap.Error(err))
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-ticker.C:
		}
	}
}

// poll makes one pass over the store and claims the first eligible job.
func (q *PollingQueue) poll(ctx context.Context) (*Delivery, error) {
	jobs, err := q.store.ListJobs(ctx, model.JobStatusQueued, model.JobStatusProcessing)
	if err != nil {
		return nil, err
	}

	for _, job := range jobs {
		if !q.eligible(job) {
			continue
		}
		d, err := q.claim(ctx, job.ID)
		if err != nil {
			q.logger.Warn("claim failed", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if d != nil {
			return d, nil
		}
	}
	return nil, nil
}

func (q *PollingQueue) eligible(job *model.Job) bool {
	now := q.now()

	q.mu.Lock()
	_, busy := q.inflight[job.ID]
	retryAt, nacked := q.retryAt[job.ID]
	q.mu.Unlock()
	if busy {
		return false
	}

	switch job.Status {
	case model.JobStatusQueued:
		// the upload is recorded on the job only once the input is stored
		return job.Size > 0
	case model.JobStatusProcessing:
		if q.opts.MaxRetry > 0 && job.Attempts > q.opts.MaxRetry {
			return false
		}
		if nacked && !now.Before(retryAt) {
			return true
		}
		return now.Sub(job.UpdatedAt) > q.opts.ClaimTimeout
	}
	return false
}

func (q *PollingQueue) claim(ctx context.Context, jobID string) (*Delivery, error) {
	q.mu.Lock()
	if _, busy := q.inflight[jobID]; busy {
		q.mu.Unlock()
		return nil, nil
	}
	q.inflight[jobID] = struct{}{}
	q.mu.Unlock()

	release := func() {}
	if q.claimer != nil {
		rel, ok, err := q.claimer.TryClaim(ctx, jobID)
		if err != nil || !ok {
			q.forget(jobID)
			return nil, err
		}
		release = rel
	}

	// re-check under the claim; another poller may have taken it
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil || !q.eligibleAfterClaim(job) {
		release()
		q.forget(jobID)
		return nil, err
	}

	processing := model.JobStatusProcessing
	step := "claimed"
	if _, err := q.store.UpdateStatus(ctx, jobID, storage.Update{Status: &processing, Step: &step}); err != nil {
		release()
		q.forget(jobID)
		return nil, err
	}

	q.mu.Lock()
	delete(q.retryAt, jobID)
	q.mu.Unlock()

	return &Delivery{
		Task:    model.Task{JobID: jobID, Locator: q.store.Locator(jobID)},
		Attempt: job.Attempts + 1,
		handle:  &pollingHandle{jobID: jobID, release: release},
	}, nil
}

func (q *PollingQueue) eligibleAfterClaim(job *model.Job) bool {
	if job.Status.IsTerminal() {
		return false
	}
	q.mu.Lock()
	_, nacked := q.retryAt[job.ID]
	q.mu.Unlock()
	if job.Status == model.JobStatusProcessing && !nacked {
		return q.now().Sub(job.UpdatedAt) > q.opts.ClaimTimeout
	}
	return true
}

func (q *PollingQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.inflight, jobID)
	q.mu.Unlock()
}

func (q *PollingQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.settle(d)
	return err
}

// Nack releases the claim and makes the job eligible again after one poll
// interval, without waiting for the claim timeout.
func (q *PollingQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	h, err := q.settle(d)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.retryAt[h.jobID] = q.now().Add(q.opts.Interval)
	q.mu.Unlock()
	return nil
}

func (q *PollingQueue) settle(d *Delivery) (*pollingHandle, error) {
	h, ok := d.handle.(*pollingHandle)
	if !ok {
		return nil, fmt.Errorf("%w: foreign delivery", model.ErrQueue)
	}
	q.mu.Lock()
	if h.done {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: delivery for job %s already settled", model.ErrQueue, h.jobID)
	}
	h.done = true
	delete(q.inflight, h.jobID)
	q.mu.Unlock()

	h.release()
	return h, nil
}

func (q *PollingQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
