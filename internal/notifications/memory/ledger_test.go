package memory

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) notifications.Ledger {
		return NewLedger()
	})
}

func TestLedger_ReleaseLastRecipientRemovesEntry(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()

	_, err := l.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, "evt-1", []string{"a@x.com"}))

	_, err = l.Entry(ctx, "evt-1")
	require.ErrorIs(t, err, notifications.ErrEntryNotFound)
}

func TestLedger_LeaseFollowsClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLedger()
	l.SetClock(func() time.Time { return now })

	intents := ledgertest.Intents("evt-1", "a@x.com")
	_, err := l.CheckAndReserve(ctx, "evt-1", intents, time.Minute)
	require.NoError(t, err)

	now = now.Add(59 * time.Second)
	res, err := l.CheckAndReserve(ctx, "evt-1", intents, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, res.InFlight)

	now = now.Add(2 * time.Second)
	reclaimed, err := l.ReclaimExpired(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)

	entry, err := l.Entry(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, entry.Recipients[0].LeaseUntil)
	assert.Equal(t, now.Add(time.Minute), *entry.Recipients[0].LeaseUntil)
	assert.Equal(t, domain.LedgerPending, entry.Status)
}
