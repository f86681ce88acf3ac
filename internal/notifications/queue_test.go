package notifications

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intent(recipient string) domain.NotificationIntent {
	return domain.NotificationIntent{EventID: "evt-1", Recipient: recipient, TemplateID: "task_failed"}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(3)
	ctx := context.Background()

	for _, r := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		require.NoError(t, q.Enqueue(ctx, intent(r)))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3, q.Cap())

	for _, want := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.Recipient)
	}
}

func TestQueue_EnqueueBlocksWhenFull(t *testing.T) {
	const capacity = 2
	q := NewQueue(capacity)
	ctx := context.Background()

	for i := 0; i < capacity; i++ {
		require.NoError(t, q.Enqueue(ctx, intent("a@x.com")))
	}

	var done atomic.Bool
	result := make(chan error, 1)
	go func() {
		err := q.Enqueue(ctx, intent("overflow@x.com"))
		done.Store(true)
		result <- err
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, done.Load(), "enqueue beyond capacity must block")
	assert.Equal(t, capacity, q.Len())

	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue did not resume after dequeue")
	}
	assert.Equal(t, capacity, q.Len())
}

func TestQueue_TryEnqueue(t *testing.T) {
	q := NewQueue(1)

	require.NoError(t, q.TryEnqueue(intent("a@x.com")))
	assert.ErrorIs(t, q.TryEnqueue(intent("b@x.com")), ErrQueueFull)
}

func TestQueue_EnqueueCancelled(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), intent("a@x.com")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, intent("b@x.com"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_Close(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, intent("a@x.com")))

	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Enqueue(ctx, intent("b@x.com")), ErrQueueClosed)
	assert.ErrorIs(t, q.TryEnqueue(intent("b@x.com")), ErrQueueClosed)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Recipient)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_CloseUnblocksEnqueue(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), intent("a@x.com")))

	result := make(chan error, 1)
	go func() { result <- q.Enqueue(context.Background(), intent("b@x.com")) }()

	time.Sleep(20 * time.Millisecond)
	go q.Close()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock enqueue")
	}
}

func TestQueue_EnqueueAfter(t *testing.T) {
	q := NewQueue(1)
	ctx := context.Background()

	q.EnqueueAfter(ctx, intent("a@x.com"), 30*time.Millisecond, nil)
	assert.Equal(t, 1, q.Scheduled())
	assert.Equal(t, 0, q.Len())

	dctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := q.Dequeue(dctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Recipient)

	q.WaitScheduled()
	assert.Equal(t, 0, q.Scheduled())
}

func TestQueue_EnqueueAfterDropped(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())

	dropped := make(chan error, 1)
	q.EnqueueAfter(ctx, intent("a@x.com"), time.Hour, func(_ domain.NotificationIntent, err error) {
		dropped <- err
	})
	cancel()

	select {
	case err := <-dropped:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("delayed enqueue was not dropped")
	}
	q.WaitScheduled()
	assert.Equal(t, 0, q.Len())
}
