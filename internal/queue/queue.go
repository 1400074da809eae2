// Package queue provides the work queue feeding run ids to the processing
// workers. Delivery is at-least-once: a worker that dies mid-run leaves the
// run re-queueable, and the status guards in the store make redelivery safe.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrClosed is returned when enqueueing to or dequeuing from a closed queue.
var ErrClosed = eris.New("queue: closed")

// Queue hands run ids to workers.
type Queue interface {
	// Enqueue makes the run id available to a worker immediately.
	Enqueue(ctx context.Context, runID string) error
	// EnqueueAfter makes the run id available after the given delay. Used
	// for retry backoff.
	EnqueueAfter(ctx context.Context, runID string, delay time.Duration) error
	// Dequeue blocks until a run id is available, the context is cancelled,
	// or the queue is closed.
	Dequeue(ctx context.Context) (string, error)
	// Close stops the queue. Pending timers are dropped.
	Close() error
}

// Memory is an in-process Queue backed by a channel. Single-binary
// deployments run the API and the workers in one process, so the queue
// never needs to leave it.
type Memory struct {
	ch     chan string
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

// NewMemory creates a Memory queue with the given buffer capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:     make(chan string, capacity),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *Memory) Enqueue(ctx context.Context, runID string) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()

	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "queue: enqueue")
	}
}

func (q *Memory) EnqueueAfter(ctx context.Context, runID string, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, runID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- runID:
		default:
			// Buffer full. Dropping is acceptable: the run stays FAILED
			// and an operator retry re-queues it.
			zap.L().Warn("queue full, dropping delayed redelivery", zap.String("run_id", runID))
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (string, error) {
	select {
	case runID, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		return runID, nil
	case <-ctx.Done():
		return "", eris.Wrap(ctx.Err(), "queue: dequeue")
	}
}

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	close(q.ch)
	return nil
}
