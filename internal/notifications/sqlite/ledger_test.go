package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) notifications.Ledger {
		return newTestLedger(t)
	})
}

func TestLedger_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com", "b@x.com"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, l.MarkDelivered(ctx, "evt-1", "a@x.com"))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()

	res, err := l.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com", "b@x.com"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, res.Done)
	assert.Equal(t, []string{"b@x.com"}, res.InFlight)
}

func TestLedger_LeaseFollowsClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t)
	l.now = func() time.Time { return now }

	_, err := l.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com"), time.Minute)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	reclaimed, err := l.ReclaimExpired(ctx, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), reclaimed[0].OccurredAt)

	entry, err := l.Entry(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, entry.Recipients[0].LeaseUntil)
	assert.Equal(t, now.Add(time.Minute), *entry.Recipients[0].LeaseUntil)
	assert.Equal(t, domain.LedgerPending, entry.Status)
}

func TestLedger_ClosedReportsUnavailable(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.CheckAndReserve(context.Background(), "evt-1", ledgertest.Intents("evt-1", "a@x.com"), time.Minute)
	require.ErrorIs(t, err, notifications.ErrLedgerUnavailable)
	require.ErrorIs(t, l.Ping(context.Background()), notifications.ErrLedgerUnavailable)
}
