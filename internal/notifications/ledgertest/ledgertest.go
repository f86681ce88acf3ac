// Package ledgertest holds the behaviour every notifications.Ledger backend
// must satisfy. Backend packages run it from their own tests.
package ledgertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty ledger. Cleanup is registered on t.
type Factory func(t *testing.T) notifications.Ledger

const (
	longLease  = time.Minute
	shortLease = 20 * time.Millisecond
)

// Run executes the ledger behaviour suite against ledgers built by newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Run("reserve, in flight, done", func(t *testing.T) { testReserveLifecycle(t, newLedger(t)) })
	t.Run("terminal states never regress", func(t *testing.T) { testTerminalNeverRegresses(t, newLedger(t)) })
	t.Run("expired lease can be reserved again", func(t *testing.T) { testExpiredLease(t, newLedger(t)) })
	t.Run("mark processed", func(t *testing.T) { testMarkProcessed(t, newLedger(t)) })
	t.Run("release", func(t *testing.T) { testRelease(t, newLedger(t)) })
	t.Run("renew checks the lease token", func(t *testing.T) { testRenew(t, newLedger(t)) })
	t.Run("renew with zero lease hands back to reclaim", func(t *testing.T) { testRenewZeroLease(t, newLedger(t)) })
	t.Run("reclaim expired", func(t *testing.T) { testReclaimExpired(t, newLedger(t)) })
	t.Run("purge", func(t *testing.T) { testPurge(t, newLedger(t)) })
	t.Run("dead letters", func(t *testing.T) { testDeadLetters(t, newLedger(t)) })
	t.Run("entry not found", func(t *testing.T) { testEntryNotFound(t, newLedger(t)) })
	t.Run("concurrent reserve", func(t *testing.T) { testConcurrentReserve(t, newLedger(t)) })
}

// Intents builds intents of one event for the given recipients.
func Intents(eventID string, recipients ...string) []domain.NotificationIntent {
	out := make([]domain.NotificationIntent, 0, len(recipients))
	for _, rcpt := range recipients {
		out = append(out, domain.NotificationIntent{
			EventID:         eventID,
			Subject:         "task.failed",
			Recipient:       rcpt,
			TemplateID:      "task_failed",
			RenderedPayload: domain.Payload{"task": "build-42", "exit_code": float64(2)},
			OccurredAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}
	return out
}

func newEventID() string {
	return "evt-" + uuid.NewString()
}

func testReserveLifecycle(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()
	intents := Intents(id, "a@x.com", "b@x.com")

	res, err := l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, domain.Recipients(res.Reserved))
	assert.Empty(t, res.InFlight)
	assert.Empty(t, res.Done)

	res, err = l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)
	assert.Empty(t, res.Reserved)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, res.InFlight)

	entry, err := l.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerPending, entry.Status)
	assert.Equal(t, "task.failed", entry.Subject)

	require.NoError(t, l.MarkDelivered(ctx, id, "a@x.com"))
	require.NoError(t, l.MarkFailed(ctx, id, "b@x.com", "mailbox unavailable"))

	res, err = l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)
	assert.Empty(t, res.Reserved)
	assert.Empty(t, res.InFlight)
	assert.ElementsMatch(t, []string{"a@x.com", "b@x.com"}, res.Done)

	entry, err = l.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerFailed, entry.Status)
	assert.Equal(t, []string{"a@x.com"}, entry.Delivered())
	require.Len(t, entry.Recipients, 2)
	for _, r := range entry.Recipients {
		assert.Nil(t, r.LeaseUntil)
		if r.Recipient == "b@x.com" {
			assert.Equal(t, "mailbox unavailable", r.Reason)
		}
	}
}

func testTerminalNeverRegresses(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()

	_, err := l.CheckAndReserve(ctx, id, Intents(id, "a@x.com"), longLease)
	require.NoError(t, err)

	require.NoError(t, l.MarkDelivered(ctx, id, "a@x.com"))
	require.NoError(t, l.MarkDelivered(ctx, id, "a@x.com"))
	require.NoError(t, l.MarkFailed(ctx, id, "a@x.com", "late failure"))
	require.NoError(t, l.Release(ctx, id, []string{"a@x.com"}))

	entry, err := l.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerDelivered, entry.Status)
	assert.Equal(t, []string{"a@x.com"}, entry.Delivered())
}

func testExpiredLease(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()
	intents := Intents(id, "a@x.com")

	_, err := l.CheckAndReserve(ctx, id, intents, shortLease)
	require.NoError(t, err)

	time.Sleep(3 * shortLease)

	res, err := l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, domain.Recipients(res.Reserved))
}

func testMarkProcessed(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()

	require.NoError(t, l.MarkProcessed(ctx, id, "noise.ping"))
	require.NoError(t, l.MarkProcessed(ctx, id, "noise.ping"))

	entry, err := l.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerDelivered, entry.Status)
	assert.Empty(t, entry.Recipients)
	assert.Equal(t, "noise.ping", entry.Subject)
}

func testRelease(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()
	intents := Intents(id, "a@x.com", "b@x.com")

	_, err := l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, id, []string{"b@x.com"}))

	res, err := l.CheckAndReserve(ctx, id, intents, longLease)
	require.NoError(t, err)
	assert.Equal(t, []string{"b@x.com"}, domain.Recipients(res.Reserved))
	assert.Equal(t, []string{"a@x.com"}, res.InFlight)

	require.NoError(t, l.Release(ctx, newEventID(), []string{"a@x.com"}))
}

func testRenew(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()

	res, err := l.CheckAndReserve(ctx, id, Intents(id, "a@x.com", "b@x.com"), shortLease)
	require.NoError(t, err)
	require.Len(t, res.Reserved, 2)
	first, second := res.Reserved[0], res.Reserved[1]
	require.NotEmpty(t, first.LeaseToken)
	assert.NotEqual(t, first.LeaseToken, second.LeaseToken)

	ok, err := l.Renew(ctx, id, "a@x.com", "not-the-token", longLease)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Renew(ctx, id, "a@x.com", first.LeaseToken, longLease)
	require.NoError(t, err)
	assert.True(t, ok)

	// The renewed lease outlives the original short one.
	time.Sleep(3 * shortLease)
	again, err := l.CheckAndReserve(ctx, id, Intents(id, "a@x.com"), longLease)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, again.InFlight)

	// b's lease expired and it was reserved again: the old token is void.
	again, err = l.CheckAndReserve(ctx, id, Intents(id, "b@x.com"), longLease)
	require.NoError(t, err)
	require.Len(t, again.Reserved, 1)
	assert.NotEqual(t, second.LeaseToken, again.Reserved[0].LeaseToken)

	ok, err = l.Renew(ctx, id, "b@x.com", second.LeaseToken, longLease)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.MarkDelivered(ctx, id, "a@x.com"))
	ok, err = l.Renew(ctx, id, "a@x.com", first.LeaseToken, longLease)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = l.Renew(ctx, newEventID(), "a@x.com", first.LeaseToken, longLease)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRenewZeroLease(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()

	res, err := l.CheckAndReserve(ctx, id, Intents(id, "a@x.com"), longLease)
	require.NoError(t, err)
	require.Len(t, res.Reserved, 1)

	ok, err := l.Renew(ctx, id, "a@x.com", res.Reserved[0].LeaseToken, 0)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(time.Millisecond)
	reclaimed, err := l.ReclaimExpired(ctx, 100, longLease)
	require.NoError(t, err)

	var found bool
	for _, in := range reclaimed {
		if in.EventID == id {
			found = true
			assert.NotEqual(t, res.Reserved[0].LeaseToken, in.LeaseToken)
		}
	}
	assert.True(t, found)
}

func testReclaimExpired(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	expired := newEventID()
	live := newEventID()

	original, err := l.CheckAndReserve(ctx, expired, Intents(expired, "a@x.com"), shortLease)
	require.NoError(t, err)
	_, err = l.CheckAndReserve(ctx, live, Intents(live, "b@x.com"), longLease)
	require.NoError(t, err)

	time.Sleep(3 * shortLease)

	reclaimed, err := l.ReclaimExpired(ctx, 100, longLease)
	require.NoError(t, err)

	var found *domain.NotificationIntent
	for i := range reclaimed {
		assert.NotEqual(t, live, reclaimed[i].EventID)
		if reclaimed[i].EventID == expired {
			found = &reclaimed[i]
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, "a@x.com", found.Recipient)
	assert.Equal(t, "task_failed", found.TemplateID)
	assert.Equal(t, "task.failed", found.Subject)
	assert.Equal(t, "build-42", found.RenderedPayload["task"])
	require.NotEmpty(t, found.LeaseToken)
	assert.NotEqual(t, original.Reserved[0].LeaseToken, found.LeaseToken)

	ok, err := l.Renew(ctx, expired, "a@x.com", original.Reserved[0].LeaseToken, longLease)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = l.Renew(ctx, expired, "a@x.com", found.LeaseToken, longLease)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := l.ReclaimExpired(ctx, 100, longLease)
	require.NoError(t, err)
	for _, in := range again {
		assert.NotEqual(t, expired, in.EventID)
	}
}

func testPurge(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	done := newEventID()
	pending := newEventID()

	_, err := l.CheckAndReserve(ctx, done, Intents(done, "a@x.com"), longLease)
	require.NoError(t, err)
	require.NoError(t, l.MarkDelivered(ctx, done, "a@x.com"))
	_, err = l.CheckAndReserve(ctx, pending, Intents(pending, "b@x.com"), longLease)
	require.NoError(t, err)

	purged, err := l.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	purged, err = l.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = l.Entry(ctx, done)
	require.ErrorIs(t, err, notifications.ErrEntryNotFound)
	_, err = l.Entry(ctx, pending)
	require.NoError(t, err)
}

func testDeadLetters(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()

	count, err := l.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	first := &domain.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     id,
		Recipient:   "a@x.com",
		TemplateID:  "task_failed",
		Payload:     domain.Payload{"task": "build-42"},
		Attempts:    3,
		FailureType: domain.FailureExhausted,
		Reason:      "max attempts exceeded",
		CreatedAt:   time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond),
	}
	require.NoError(t, l.RecordDeadLetter(ctx, first))

	dup := *first
	dup.ID = uuid.NewString()
	dup.Reason = "again"
	require.NoError(t, l.RecordDeadLetter(ctx, &dup))

	second := &domain.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     id,
		Recipient:   "b@x.com",
		TemplateID:  "task_failed",
		Attempts:    1,
		FailureType: domain.FailurePermanent,
		Reason:      "550 mailbox unavailable",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, l.RecordDeadLetter(ctx, second))

	count, err = l.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	list, err := l.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b@x.com", list[0].Recipient)
	assert.Equal(t, "a@x.com", list[1].Recipient)
	assert.Equal(t, "max attempts exceeded", list[1].Reason)
	assert.Equal(t, domain.FailureExhausted, list[1].FailureType)
	assert.Equal(t, 3, list[1].Attempts)
	assert.Equal(t, "build-42", list[1].Payload["task"])

	list, err = l.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b@x.com", list[0].Recipient)
}

func testEntryNotFound(t *testing.T, l notifications.Ledger) {
	_, err := l.Entry(context.Background(), newEventID())
	require.ErrorIs(t, err, notifications.ErrEntryNotFound)
}

func testConcurrentReserve(t *testing.T, l notifications.Ledger) {
	ctx := context.Background()
	id := newEventID()
	intents := Intents(id, "a@x.com", "b@x.com", "c@x.com")

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved = make(map[string]int)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndReserve(ctx, id, intents, longLease)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, rcpt := range domain.Recipients(res.Reserved) {
				reserved[rcpt]++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, map[string]int{"a@x.com": 1, "b@x.com": 1, "c@x.com": 1}, reserved)
}
