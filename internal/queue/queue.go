// Package queue carries transcription tasks from the ingress to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"errors"

	"github.com/groovesheet/api/internal/model"
)

// TaskTypeTranscription is the task type name used on the broker.
const TaskTypeTranscription = "transcription:process"

// ErrClosed is returned by Consume once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is the contract shared by every backend. A delivery must be acked
// only after its job reached a terminal state; a nacked or abandoned delivery
// is redelivered.
type Queue interface {
	Publish(ctx context.Context, task model.Task) error
	// Consume blocks until a task is available, ctx is done or the queue is closed.
	Consume(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, cause error) error
	Close() error
}

// Delivery is one delivered task with the backend's ack handle.
type Delivery struct {
	Task    model.Task
	Attempt int

	handle any
}
