package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/groovesheet/api/internal/model"
)

// newTestAsynqQueue never starts the server, so no Redis is contacted.
func newTestAsynqQueue(t *testing.T) *AsynqQueue {
	t.Helper()
	q := NewAsynqQueue(asynq.RedisClientOpt{Addr: "127.0.0.1:1"}, AsynqOptions{}, zap.NewNop())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func taskFor(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(model.Task{JobID: jobID, Locator: "jobs/" + jobID})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return asynq.NewTask(TaskTypeTranscription, payload)
}

func processAsync(q *AsynqQueue, task *asynq.Task) <-chan error {
	result := make(chan error, 1)
	go func() { result <- q.ProcessTask(context.Background(), task) }()
	return result
}

func receive(t *testing.T, q *AsynqQueue) *Delivery {
	t.Helper()
	select {
	case d := <-q.deliveries:
		return d
	case <-time.After(time.Second):
		t.Fatal("no delivery handed over")
		return nil
	}
}

func TestAsynqQueue_AckSettlesTask(t *testing.T) {
	q := newTestAsynqQueue(t)
	result := processAsync(q, taskFor(t, "job-1"))

	d := receive(t, q)
	if d.Task.JobID != "job-1" || d.Task.Locator != "jobs/job-1" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if err := q.Ack(context.Background(), d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := <-result; err != nil {
		t.Errorf("acked task should return nil, got %v", err)
	}

	if err := q.Ack(context.Background(), d); !errors.Is(err, model.ErrQueue) {
		t.Errorf("expected ErrQueue on double settle, got %v", err)
	}
}

func TestAsynqQueue_NackReturnsCause(t *testing.T) {
	q := newTestAsynqQueue(t)
	result := processAsync(q, taskFor(t, "job-2"))

	cause := errors.New("store unreachable")
	if err := q.Nack(context.Background(), receive(t, q), cause); err != nil {
		t.Fatalf("nack: %v", err)
	}
	if err := <-result; !errors.Is(err, cause) {
		t.Errorf("expected the nack cause, got %v", err)
	}
}

func TestAsynqQueue_BadPayloadSkipsRetry(t *testing.T) {
	q := newTestAsynqQueue(t)

	err := q.ProcessTask(context.Background(), asynq.NewTask(TaskTypeTranscription, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry for malformed payload, got %v", err)
	}
	err = q.ProcessTask(context.Background(), asynq.NewTask(TaskTypeTranscription, []byte(`{"locator":"x"}`)))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("expected SkipRetry without job id, got %v", err)
	}
}

func TestAsynqQueue_ProcessTaskHonoursContext(t *testing.T) {
	q := newTestAsynqQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.ProcessTask(ctx, taskFor(t, "job-3")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestSettle_ForeignDelivery(t *testing.T) {
	q := newTestAsynqQueue(t)
	if err := q.Ack(context.Background(), &Delivery{Task: model.Task{JobID: "x"}}); !errors.Is(err, model.ErrQueue) {
		t.Errorf("expected ErrQueue, got %v", err)
	}
}
