package notifications_test

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/ledgertest"
	"github.com/bissquit/agentic-notifier/internal/notifications/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenance_Reclaim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger := memory.NewLedger()
	ledger.SetClock(func() time.Time { return now })

	// Acked event whose intents never reached a worker.
	_, err := ledger.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com", "b@x.com", "c@x.com"), time.Minute)
	require.NoError(t, err)

	queue := notifications.NewQueue(2)
	m, err := notifications.NewMaintenance(notifications.MaintenanceConfig{Lease: time.Minute}, ledger, queue)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown() }()

	require.NoError(t, m.Reclaim(ctx))
	assert.Equal(t, 0, queue.Len(), "live leases are not reclaimed")

	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Reclaim(ctx))
	assert.Equal(t, 2, queue.Len(), "reclaim is bounded by free queue slots")

	got, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.Recipient)
	assert.Equal(t, "build-42", got.RenderedPayload["task"])
}

func TestMaintenance_Purge(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	require.NoError(t, ledger.MarkProcessed(ctx, "evt-old", "noise.ping"))

	m, err := notifications.NewMaintenance(notifications.MaintenanceConfig{Retention: time.Nanosecond}, ledger, notifications.NewQueue(1))
	require.NoError(t, err)
	defer func() { _ = m.Shutdown() }()

	time.Sleep(time.Millisecond)
	require.NoError(t, m.Purge(ctx))

	_, err = ledger.Entry(ctx, "evt-old")
	require.ErrorIs(t, err, notifications.ErrEntryNotFound)
}

func TestMaintenance_ScheduledReclaim(t *testing.T) {
	ctx := context.Background()
	ledger := memory.NewLedger()
	_, err := ledger.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com"), time.Millisecond)
	require.NoError(t, err)

	queue := notifications.NewQueue(4)
	m, err := notifications.NewMaintenance(notifications.MaintenanceConfig{
		ReclaimInterval: 20 * time.Millisecond,
		StatsInterval:   20 * time.Millisecond,
		Lease:           time.Minute,
	}, ledger, queue)
	require.NoError(t, err)

	m.Start()
	defer func() { require.NoError(t, m.Shutdown()) }()

	require.Eventually(t, func() bool { return queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	entry, err := ledger.Entry(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerPending, entry.Status)
}

// crowdedLedger fills the queue right after intents are reclaimed, as a
// coordinator enqueueing concurrently would.
type crowdedLedger struct {
	*memory.Ledger
	crowd func()
}

func (l crowdedLedger) ReclaimExpired(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error) {
	intents, err := l.Ledger.ReclaimExpired(ctx, limit, lease)
	l.crowd()
	return intents, err
}

func TestMaintenance_ReclaimHandsBackWhenQueueFills(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mem := memory.NewLedger()
	mem.SetClock(func() time.Time { return now })

	_, err := mem.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com", "b@x.com", "c@x.com"), time.Minute)
	require.NoError(t, err)

	queue := notifications.NewQueue(3)
	crowded := false
	crowd := func() {
		if crowded {
			return
		}
		crowded = true
		for queue.Len() < 2 {
			require.NoError(t, queue.TryEnqueue(domain.NotificationIntent{EventID: "other", Recipient: "z@x.com"}))
		}
	}
	m, err := notifications.NewMaintenance(notifications.MaintenanceConfig{Lease: time.Hour}, crowdedLedger{mem, crowd}, queue)
	require.NoError(t, err)
	defer func() { _ = m.Shutdown() }()

	now = now.Add(2 * time.Minute)
	require.NoError(t, m.Reclaim(ctx))
	assert.Equal(t, 3, queue.Len())

	for queue.Len() > 0 {
		_, err := queue.Dequeue(ctx)
		require.NoError(t, err)
	}

	// Same instant: only records handed back are reclaimable, not ones
	// holding the fresh one-hour lease.
	require.NoError(t, m.Reclaim(ctx))
	var recipients []string
	for queue.Len() > 0 {
		in, err := queue.Dequeue(ctx)
		require.NoError(t, err)
		if in.EventID == "evt-1" {
			recipients = append(recipients, in.Recipient)
		}
	}
	assert.Equal(t, []string{"b@x.com", "c@x.com"}, recipients)
}
