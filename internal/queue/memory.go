package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/groovesheet/api/internal/model"
)

type memoryItem struct {
	task    model.Task
	attempt int
}

type memoryHandle struct {
	item memoryItem
	done bool
}

// MemoryQueue is an unbounded in-process queue for single-binary
// development and tests. Nack puts the task back at the tail.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []memoryItem
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, task model.Task) error {
	select {
	case <-q.closed:
		return fmt.Errorf("%w: %v", model.ErrQueue, ErrClosed)
	default:
	}
	q.push(memoryItem{task: task, attempt: 1})
	return nil
}

func (q *MemoryQueue) push(item memoryItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Consume(ctx context.Context) (*Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// wake another consumer for the remaining items
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return &Delivery{Task: item.task, Attempt: item.attempt, handle: &memoryHandle{item: item}}, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error {
	_, err := q.settle(d)
	return err
}

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery, cause error) error {
	h, err := q.settle(d)
	if err != nil {
		return err
	}
	q.push(memoryItem{task: h.item.task, attempt: h.item.attempt + 1})
	return nil
}

func (q *MemoryQueue) settle(d *Delivery) (*memoryHandle, error) {
	h, ok := d.handle.(*memoryHandle)
	if !ok {
		return nil, fmt.Errorf("%w: foreign delivery", model.ErrQueue)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if h.done {
		return nil, fmt.Errorf("%w: delivery for job %s already settled", model.ErrQueue, d.Task.JobID)
	}
	h.done = true
	return h, nil
}

// Len returns the number of tasks waiting for a consumer.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
