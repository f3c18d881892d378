// Package worker pulls transcription tasks off the queue and drives each job
// through the pipeline to a terminal state.
package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/events"
	"github.com/groovesheet/api/internal/model"
	"github.com/groovesheet/api/internal/pipeline"
	"github.com/groovesheet/api/internal/queue"
	"github.com/groovesheet/api/internal/storage"
)

// Progress written by the worker itself; the pipeline reports the stages in between.
const (
	ProgressStarted     = 0
	ProgressInputLoaded = 30
	ProgressStored      = 97
	ProgressCompleted   = 100
)

const maxErrorMessage = 300

// Outcome is how a delivery was settled.
type Outcome int

const (
	// OutcomeCompleted: the job finished and the task was acked.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed: the pipeline rejected the input; the job is failed and the task acked.
	OutcomeFailed
	// OutcomeSkipped: nothing to do (terminal or unknown job); the task was acked.
	OutcomeSkipped
	// OutcomeRetry: infrastructure failure; the task was nacked for redelivery.
	OutcomeRetry
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetry:
		return "retry"
	}
	return "unknown"
}

// Options configures a Worker.
type Options struct {
	// JobTimeout bounds a single processing attempt.
	JobTimeout time.Duration
	// ConsumeBackoff is the pause after a failed Consume or a nacked task.
	ConsumeBackoff time.Duration
	// LeaseTimeout is how long a job stays claimed without a heartbeat
	// before another delivery may restart it.
	LeaseTimeout time.Duration
}

// Worker processes one delivery at a time.
type Worker struct {
	queue    queue.Queue
	store    storage.Store
	pipeline pipeline.Pipeline
	notifier *events.Notifier
	logger   *zap.Logger
	opts     Options
	now      func() time.Time

	processed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	retried   atomic.Int64

	mu         sync.Mutex
	currentJob string
	lastJobAt  time.Time
}

func New(q queue.Queue, store storage.Store, p pipeline.Pipeline, notifier *events.Notifier, logger *zap.Logger, opts Options) *Worker {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 30 * time.Minute
	}
	if opts.ConsumeBackoff <= 0 {
		opts.ConsumeBackoff = time.Second
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	return &Worker{
		queue:    q,
		store:    store,
		pipeline: p,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "worker")),
		opts:     opts,
		now:      time.Now,
	}
}

// Run consumes tasks until ctx is done or the queue is closed.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Duration("job_timeout", w.opts.JobTimeout),
		zap.Duration("lease_timeout", w.opts.LeaseTimeout))
	for {
		d, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				w.logger.Info("worker stopped")
				return nil
			}
			w.logger.Error("consume failed", zap.Error(err))
			if !w.pause(ctx) {
				return nil
			}
			continue
		}
		// a nacked task may come straight back; don't spin on it
		if w.Handle(ctx, d) == OutcomeRetry && !w.pause(ctx) {
			return nil
		}
	}
}

func (w *Worker) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.opts.ConsumeBackoff):
		return true
	}
}

// Handle processes one delivery and settles it with the queue. The task is
// acked only once the job is terminal (or was already); infrastructure
// failures nack it.
func (w *Worker) Handle(ctx context.Context, d *queue.Delivery) Outcome {
	log := w.logger.With(zap.String("job_id", d.Task.JobID), zap.Int("attempt", d.Attempt))

	w.setCurrent(d.Task.JobID)
	outcome, err := w.process(ctx, d.Task, log)
	w.setCurrent("")

	// settle even if the worker is shutting down
	settleCtx := context.WithoutCancel(ctx)
	if outcome == OutcomeRetry {
		w.retried.Add(1)
		log.Warn("job left for redelivery", zap.Error(err))
		if nerr := w.queue.Nack(settleCtx, d, err); nerr != nil {
			log.Error("nack failed", zap.Error(nerr))
		}
		return outcome
	}

	switch outcome {
	case OutcomeCompleted:
		w.processed.Add(1)
	case OutcomeFailed:
		w.failed.Add(1)
	case OutcomeSkipped:
		w.skipped.Add(1)
	}
	if aerr := w.queue.Ack(settleCtx, d); aerr != nil {
		log.Error("ack failed", zap.Error(aerr))
	}
	log.Info("task settled", zap.Stringer("outcome", outcome))
	return outcome
}

func (w *Worker) process(ctx context.Context, task model.Task, log *zap.Logger) (Outcome, error) {
	jobID := task.JobID

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			log.Warn("task for unknown job, dropping")
			return OutcomeSkipped, nil
		}
		return OutcomeRetry, err
	}
	// duplicate delivery of a finished job
	if job.Status.IsTerminal() {
		log.Info("job already terminal, skipping", zap.String("status", string(job.Status)))
		return OutcomeSkipped, nil
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()
	started := w.now()

	start := storage.StatusUpdate(model.JobStatusProcessing, ProgressStarted, "starting")
	start.Restart = true
	start.Lease = w.opts.LeaseTimeout
	job, err = w.store.UpdateStatus(jobCtx, jobID, start)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrLeaseHeld):
			// another worker is on it; come back later in case it dies
			log.Info("job is leased elsewhere, deferring")
			return OutcomeRetry, err
		case errors.Is(err, model.ErrConflict):
			return OutcomeSkipped, nil
		}
		return OutcomeRetry, err
	}
	run := &attempt{jobID: jobID, number: job.Attempts}
	log = log.With(zap.Int("job_attempt", run.number))

	stopHeartbeat := w.heartbeat(jobCtx, run, log)
	defer stopHeartbeat()

	outcome, err := w.execute(ctx, jobCtx, run, job, started, log)
	if outcome == OutcomeRetry {
		stopHeartbeat()
		w.releaseLease(context.WithoutCancel(ctx), run, log)
	}
	return outcome, err
}

// attempt identifies the processing attempt this worker owns. Every write it
// makes is fenced to that attempt.
type attempt struct {
	jobID  string
	number int
}

func (w *Worker) execute(ctx, jobCtx context.Context, run *attempt, job *model.Job, started time.Time, log *zap.Logger) (Outcome, error) {
	jobID := run.jobID
	w.notifier.Progress(ctx, jobID, ProgressStarted, model.JobStatusProcessing, "starting")
	log.Info("processing job", zap.String("filename", job.Filename))

	audio, err := w.store.ReadInput(jobCtx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return w.fail(ctx, run, model.ErrorCodeInvalidInput, "input audio is missing", log)
		}
		return OutcomeRetry, err
	}
	w.checkpoint(jobCtx, run, ProgressInputLoaded, "input loaded", log)

	reporter := pipeline.ReporterFunc(func(ctx context.Context, progress int, step string) {
		w.checkpoint(ctx, run, progress, step, log)
	})
	out, err := w.pipeline.Run(jobCtx, pipeline.Input{JobID: jobID, Filename: job.Filename, Audio: audio}, reporter)
	if err != nil {
		var pe *model.PipelineError
		if errors.As(err, &pe) {
			return w.fail(ctx, run, model.ErrorCodePipelineFailed, pe.Error(), log)
		}
		return OutcomeRetry, err
	}

	artifacts := out.Artifacts()
	if _, ok := artifacts[model.ArtifactMusicXML]; !ok {
		return w.fail(ctx, run, model.ErrorCodePipelineFailed, "pipeline produced no sheet music", log)
	}

	// the lease may have lapsed while the pipeline ran
	current, err := w.store.GetJob(jobCtx, jobID)
	if err != nil {
		return OutcomeRetry, err
	}
	if current.Status.IsTerminal() || current.Attempts != run.number {
		log.Info("attempt superseded, discarding output",
			zap.String("status", string(current.Status)),
			zap.Int("current_attempt", current.Attempts))
		return OutcomeSkipped, nil
	}

	locators := make(map[model.ArtifactKind]string, len(artifacts))
	for kind, data := range artifacts {
		if err := w.store.WriteOutput(jobCtx, jobID, run.number, kind, data); err != nil {
			return OutcomeRetry, err
		}
		locators[kind] = w.store.ArtifactLocator(jobID, run.number, kind)
	}
	w.checkpoint(jobCtx, run, ProgressStored, "artifacts stored", log)

	result := &model.JobResult{
		Attempt:           run.number,
		Artifact:          locators[model.ArtifactMusicXML],
		Artifacts:         locators,
		TempoBPM:          out.Summary.TempoBPM,
		NoteCount:         out.Summary.NoteCount,
		DurationSeconds:   out.Summary.DurationSeconds,
		ProcessingSeconds: math.Round(w.now().Sub(started).Seconds()*100) / 100,
	}
	// the fenced completion is the commit point for this attempt's outputs
	done := storage.StatusUpdate(model.JobStatusCompleted, ProgressCompleted, "completed")
	done.Attempt = run.number
	done.Result = result
	if _, err := w.store.UpdateStatus(ctx, jobID, done); err != nil {
		if errors.Is(err, model.ErrConflict) {
			log.Info("job finished elsewhere")
			return OutcomeSkipped, nil
		}
		return OutcomeRetry, err
	}

	w.notifier.Completed(ctx, jobID, result)
	log.Info("job completed",
		zap.Int("notes", result.NoteCount),
		zap.Float64("tempo_bpm", result.TempoBPM),
		zap.Float64("processing_seconds", result.ProcessingSeconds))
	return OutcomeCompleted, nil
}

// fail moves the job to failed. Only an infrastructure error here keeps the
// task for redelivery.
func (w *Worker) fail(ctx context.Context, run *attempt, code, message string, log *zap.Logger) (Outcome, error) {
	message = model.Truncate(message, maxErrorMessage)
	jobErr := model.JobError{Code: code, Message: message}

	status, step := model.JobStatusFailed, "failed"
	upd := storage.Update{Status: &status, Step: &step, Error: &jobErr, Attempt: run.number}
	if _, err := w.store.UpdateStatus(ctx, run.jobID, upd); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return OutcomeSkipped, nil
		}
		return OutcomeRetry, err
	}

	w.notifier.Failed(ctx, run.jobID, jobErr)
	log.Warn("job failed", zap.String("code", code), zap.String("reason", message))
	return OutcomeFailed, nil
}

// heartbeat keeps the attempt's lease fresh until the returned stop func is
// called. It gives up once the attempt has been superseded.
func (w *Worker) heartbeat(ctx context.Context, run *attempt, log *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := w.opts.LeaseTimeout / 4
		if interval < time.Millisecond {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := w.store.UpdateStatus(ctx, run.jobID, storage.Update{Attempt: run.number, Lease: w.opts.LeaseTimeout})
			switch {
			case err == nil:
			case errors.Is(err, model.ErrConflict):
				log.Debug("heartbeat stopped", zap.Error(err))
				return
			case ctx.Err() == nil:
				log.Warn("heartbeat not persisted", zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// releaseLease lets a redelivery restart the job straight away. Best effort:
// if it fails the lease simply runs out.
func (w *Worker) releaseLease(ctx context.Context, run *attempt, log *zap.Logger) {
	_, err := w.store.UpdateStatus(ctx, run.jobID, storage.Update{Attempt: run.number, ReleaseLease: true})
	if err != nil && !errors.Is(err, model.ErrConflict) {
		log.Warn("lease not released", zap.Error(err))
	}
}

// checkpoint records progress and renews the lease. A failed write is logged
// and otherwise ignored.
func (w *Worker) checkpoint(ctx context.Context, run *attempt, progress int, step string, log *zap.Logger) {
	upd := storage.Update{Progress: &progress, Step: &step, Attempt: run.number, Lease: w.opts.LeaseTimeout}
	if _, err := w.store.UpdateStatus(ctx, run.jobID, upd); err != nil {
		log.Warn("checkpoint not persisted", zap.Int("progress", progress), zap.Error(err))
	}
	w.notifier.Progress(ctx, run.jobID, progress, model.JobStatusProcessing, step)
}

func (w *Worker) setCurrent(jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentJob = jobID
	if jobID == "" {
		w.lastJobAt = w.now()
	}
}

// Stats is a snapshot of the worker's counters.
type Stats struct {
	Processed  int64      `json:"processed"`
	Failed     int64      `json:"failed"`
	Skipped    int64      `json:"skipped"`
	Retried    int64      `json:"retried"`
	CurrentJob string     `json:"currentJob,omitempty"`
	LastJobAt  *time.Time `json:"lastJobAt,omitempty"`
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{
		Processed:  w.processed.Load(),
		Failed:     w.failed.Load(),
		Skipped:    w.skipped.Load(),
		Retried:    w.retried.Load(),
		CurrentJob: w.currentJob,
	}
	if !w.lastJobAt.IsZero() {
		t := w.lastJobAt
		s.LastJobAt = &t
	}
	return s
}
