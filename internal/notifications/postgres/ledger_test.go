//go:build integration

package postgres_test

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/ledgertest"
	"github.com/bissquit/agentic-notifier/internal/notifications/postgres"
	pgconnect "github.com/bissquit/agentic-notifier/internal/pkg/postgres"
	"github.com/bissquit/agentic-notifier/internal/testutil"
	"github.com/bissquit/agentic-notifier/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

var testDB *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := migrations.Up(pgContainer.ConnectionString); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	testDB, err = pgconnect.Connect(ctx, pgconnect.Config{
		URL:             pgContainer.ConnectionString,
		MaxOpenConns:    10,
		ConnectAttempts: 5,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	code := m.Run()

	testDB.Close()
	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(context.Background(), `TRUNCATE ledger_recipients, ledger_events, dead_letters`)
	require.NoError(t, err)
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) notifications.Ledger {
		truncate(t)
		// Close is not called: the pool is shared across subtests.
		return postgres.NewLedger(testDB)
	})
}

func TestLedger_PayloadRoundTrip(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	l := postgres.NewLedger(testDB)

	_, err := l.CheckAndReserve(ctx, "evt-1", ledgertest.Intents("evt-1", "a@x.com"), time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	reclaimed, err := l.ReclaimExpired(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, float64(2), reclaimed[0].RenderedPayload["exit_code"])
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), reclaimed[0].OccurredAt)
}

func TestLedger_PingAfterClose(t *testing.T) {
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDB.Config().ConnString())
	require.NoError(t, err)

	l := postgres.NewLedger(pool)
	require.NoError(t, l.Ping(ctx))
	require.NoError(t, l.Close())

	require.ErrorIs(t, l.Ping(ctx), notifications.ErrLedgerUnavailable)
}
