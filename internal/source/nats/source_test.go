//go:build integration

package nats_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/memory"
	source "github.com/bissquit/agentic-notifier/internal/source/nats"
	"github.com/bissquit/agentic-notifier/internal/testutil"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu       sync.Mutex
	events   []domain.Event
	nackOnce map[string]bool
}

func (h *recordingHandler) OnEvent(_ context.Context, event domain.Event) (notifications.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	if h.nackOnce[event.ID] {
		delete(h.nackOnce, event.ID)
		return notifications.Nack, nil
	}
	return notifications.Ack, nil
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, e := range h.events {
		out[i] = e.ID
	}
	return out
}

func TestConsumer_EndToEnd(t *testing.T) {
	ctx := context.Background()

	container, err := testutil.NewNATSContainer(ctx)
	require.NoError(t, err)
	defer func() { _ = container.Terminate(ctx) }()

	cfg := source.Config{
		URL:            container.URL,
		Stream:         "EVENTS",
		SubjectPrefix:  "events",
		Partitions:     2,
		ConsumerPrefix: "notifier",
		FetchWait:      200 * time.Millisecond,
		NakDelay:       100 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
	}
	nc, err := source.Connect(cfg)
	require.NoError(t, err)
	defer nc.Close()

	handler := &recordingHandler{nackOnce: map[string]bool{"evt-2": true}}
	ledger := memory.NewLedger()

	consumer, err := source.NewConsumer(ctx, cfg, nc, handler, ledger)
	require.NoError(t, err)
	require.NoError(t, consumer.Start(ctx))
	defer consumer.Stop()

	results := make(chan domain.DeliveryResult, 1)
	sub, err := nc.Subscribe("notifier.results", func(msg *nats.Msg) {
		var r domain.DeliveryResult
		if json.Unmarshal(msg.Data, &r) == nil {
			results <- r
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	publisher := source.NewEventPublisher(nc, cfg.SubjectPrefix, cfg.Partitions)
	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		require.NoError(t, publisher.PublishEvent(ctx, domain.Event{
			ID:      id,
			Subject: "task.failed",
			Payload: domain.Payload{"task": "build-42"},
		}))
	}
	require.NoError(t, publisher.PublishRaw(ctx, 0, []byte(`{broken`)))

	require.Eventually(t, func() bool {
		ids := handler.ids()
		return len(ids) == 4
	}, 10*time.Second, 50*time.Millisecond, "evt-2 is redelivered after its nack")
	assert.ElementsMatch(t, []string{"evt-1", "evt-2", "evt-2", "evt-3"}, handler.ids())

	require.Eventually(t, func() bool {
		n, _ := ledger.CountDeadLetters(ctx)
		return n == 1
	}, 5*time.Second, 50*time.Millisecond)

	rp := source.NewResultPublisher(nc, "notifier.results")
	require.NoError(t, rp.PublishResult(ctx, domain.DeliveryResult{ResultID: "r-1", EventID: "evt-1", Status: domain.LedgerDelivered}))
	select {
	case r := <-results:
		assert.Equal(t, "evt-1", r.EventID)
		assert.Equal(t, domain.LedgerDelivered, r.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("result not received")
	}
}
