package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
)

// Queue is a bounded FIFO of notification intents. Enqueue blocks while the
// queue is full, which is what throttles consumption to delivery capacity.
type Queue struct {
	items chan domain.NotificationIntent

	closeOnce sync.Once
	done      chan struct{}

	delayed   sync.WaitGroup
	scheduled atomic.Int64
}

// NewQueue creates a queue holding at most capacity intents.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make(chan domain.NotificationIntent, capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue adds intent, blocking while the queue is full.
// It returns ctx.Err() if ctx ends first and ErrQueueClosed after Close.
func (q *Queue) Enqueue(ctx context.Context, intent domain.NotificationIntent) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	select {
	case q.items <- intent:
		recordQueueDepth(len(q.items))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

// TryEnqueue adds intent without blocking. It returns ErrQueueFull when
// the queue is at capacity.
func (q *Queue) TryEnqueue(intent domain.NotificationIntent) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	select {
	case q.items <- intent:
		recordQueueDepth(len(q.items))
		return nil
	default:
		return ErrQueueFull
	}
}

// EnqueueAfter re-submits intent after delay without holding the caller.
// onDrop is called if the intent could not be enqueued because ctx ended or
// the queue was closed.
func (q *Queue) EnqueueAfter(ctx context.Context, intent domain.NotificationIntent, delay time.Duration, onDrop func(domain.NotificationIntent, error)) {
	q.delayed.Add(1)
	q.scheduled.Add(1)

	go func() {
		defer q.delayed.Done()
		defer q.scheduled.Add(-1)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			if onDrop != nil {
				onDrop(intent, ctx.Err())
			}
			return
		}

		if err := q.Enqueue(ctx, intent); err != nil && onDrop != nil {
			onDrop(intent, err)
		}
	}()
}

// Dequeue removes the oldest intent, blocking while the queue is empty.
// After Close it keeps returning buffered intents, then ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (domain.NotificationIntent, error) {
	select {
	case intent := <-q.items:
		recordQueueDepth(len(q.items))
		return intent, nil
	default:
	}

	select {
	case intent := <-q.items:
		recordQueueDepth(len(q.items))
		return intent, nil
	case <-ctx.Done():
		return domain.NotificationIntent{}, ctx.Err()
	case <-q.done:
		select {
		case intent := <-q.items:
			recordQueueDepth(len(q.items))
			return intent, nil
		default:
			return domain.NotificationIntent{}, ErrQueueClosed
		}
	}
}

// Len returns the number of buffered intents.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// Scheduled returns the number of delayed re-submissions not yet enqueued.
func (q *Queue) Scheduled() int {
	return int(q.scheduled.Load())
}

// WaitScheduled blocks until every delayed re-submission has finished.
func (q *Queue) WaitScheduled() {
	q.delayed.Wait()
}

// Close rejects further enqueues. Buffered intents can still be dequeued.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}
