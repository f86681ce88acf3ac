package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/agentic-notifier/internal/config"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/notifications/memory"
	notificationspostgres "github.com/bissquit/agentic-notifier/internal/notifications/postgres"
	notificationsredis "github.com/bissquit/agentic-notifier/internal/notifications/redis"
	"github.com/bissquit/agentic-notifier/internal/notifications/sqlite"
	"github.com/bissquit/agentic-notifier/internal/pkg/metrics"
	"github.com/bissquit/agentic-notifier/internal/pkg/postgres"
	"github.com/bissquit/agentic-notifier/migrations"
)

// openLedger opens the ledger selected by cfg.Driver. The returned collector
// records connection pool metrics; it is nil for drivers without a pool.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (notifications.Ledger, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Postgres.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
			ConnectAttempts: cfg.Postgres.ConnectAttempts,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}

		if cfg.Postgres.AutoMigrate {
			if err := migrations.Up(cfg.Postgres.URL); err != nil {
				db.Close()
				return nil, nil, err
			}
		}

		return notificationspostgres.NewLedger(db), func() { metrics.RecordPgxPoolMetrics(db) }, nil

	case config.DriverSQLite:
		ledger, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return ledger, func() { metrics.RecordSQLDBMetrics("sqlite", ledger.DB()) }, nil

	case config.DriverRedis:
		ledger, err := notificationsredis.NewLedger(ctx, notificationsredis.Config{
			Addr:      cfg.Redis.Addr,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return ledger, nil, nil

	case config.DriverMemory:
		slog.Warn("memory ledger selected: delivery state is lost on restart")
		return memory.NewLedger(), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
