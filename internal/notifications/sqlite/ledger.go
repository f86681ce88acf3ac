// Package sqlite provides an embedded notifications.Ledger backed by a single
// SQLite file. It suits single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	event_id   TEXT PRIMARY KEY,
	subject    TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_recipients (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id    TEXT NOT NULL REFERENCES ledger_events (event_id) ON DELETE CASCADE,
	recipient   TEXT NOT NULL,
	status      TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	template_id TEXT NOT NULL DEFAULT '',
	payload     TEXT NOT NULL DEFAULT '{}',
	occurred_at INTEGER,
	reason      TEXT NOT NULL DEFAULT '',
	lease_until INTEGER,
	lease_token TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL,
	UNIQUE (event_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_ledger_recipients_lease
	ON ledger_recipients (status, lease_until);

CREATE TABLE IF NOT EXISTS dead_letters (
	id           TEXT PRIMARY KEY,
	event_id     TEXT NOT NULL,
	recipient    TEXT NOT NULL,
	template_id  TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL DEFAULT '{}',
	attempts     INTEGER NOT NULL DEFAULT 0,
	failure_type TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	UNIQUE (event_id, recipient)
);

CREATE INDEX IF NOT EXISTS idx_dead_letters_created_at ON dead_letters (created_at);
`

// Ledger is a SQLite notifications.Ledger. The database handle is limited to
// one connection, so every transaction runs alone. Timestamps are stored as
// unix nanoseconds.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

var _ notifications.Ledger = (*Ledger)(nil)

// Open opens (creating if needed) the ledger database at path.
// The path should be a file path or ":memory:" for testing.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if err := addColumn(db, "ledger_recipients", "lease_token", "TEXT NOT NULL DEFAULT ''"); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Ledger{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// addColumn adds a column missing from a database created by an older release.
func addColumn(db *sql.DB, table, column, definition string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	if _, err := db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + definition); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}

// DB exposes the database handle for metrics collection.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func touchEvent(ctx context.Context, tx *sql.Tx, eventID, subject string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (event_id, subject, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE
		SET updated_at = excluded.updated_at,
		    subject = CASE WHEN subject = '' THEN excluded.subject ELSE subject END
	`, eventID, subject, now, now)
	if err != nil {
		return fmt.Errorf("touch event: %w", err)
	}
	return nil
}

// CheckAndReserve implements notifications.Ledger.
func (l *Ledger) CheckAndReserve(ctx context.Context, eventID string, intents []domain.NotificationIntent, lease time.Duration) (domain.Reservation, error) {
	var res domain.Reservation
	now := l.now()
	leaseUntil := now.Add(lease).UnixNano()

	subject := ""
	if len(intents) > 0 {
		subject = intents[0].Subject
	}

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchEvent(ctx, tx, eventID, subject, now.UnixNano()); err != nil {
			return err
		}

		for _, intent := range intents {
			var (
				status string
				until  sql.NullInt64
			)
			err := tx.QueryRowContext(ctx, `
				SELECT status, lease_until FROM ledger_recipients
				WHERE event_id = ? AND recipient = ?
			`, eventID, intent.Recipient).Scan(&status, &until)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("query recipient: %w", err)
			case domain.LedgerStatus(status).IsTerminal():
				res.Done = append(res.Done, intent.Recipient)
				continue
			case until.Valid && until.Int64 > now.UnixNano():
				res.InFlight = append(res.InFlight, intent.Recipient)
				continue
			}

			payload, err := json.Marshal(intent.RenderedPayload.Clone())
			if err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}
			intent.LeaseToken = uuid.NewString()
			_, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_recipients
					(event_id, recipient, status, subject, template_id, payload, occurred_at, lease_until, lease_token, updated_at)
				VALUES (?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (event_id, recipient) DO UPDATE
				SET status = 'pending',
				    subject = excluded.subject,
				    template_id = excluded.template_id,
				    payload = excluded.payload,
				    occurred_at = excluded.occurred_at,
				    reason = '',
				    lease_until = excluded.lease_until,
				    lease_token = excluded.lease_token,
				    updated_at = excluded.updated_at
			`, eventID, intent.Recipient, intent.Subject, intent.TemplateID, string(payload),
				unixNano(intent.OccurredAt), leaseUntil, intent.LeaseToken, now.UnixNano())
			if err != nil {
				return fmt.Errorf("reserve %s: %w", intent.Recipient, err)
			}
			res.Reserved = append(res.Reserved, intent)
		}
		return nil
	})
	if err != nil {
		return domain.Reservation{}, notifications.LedgerError("check and reserve", err)
	}
	return res, nil
}

// MarkProcessed implements notifications.Ledger.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, subject string) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		return touchEvent(ctx, tx, eventID, subject, l.now().UnixNano())
	})
	if err != nil {
		return notifications.LedgerError("mark processed", err)
	}
	return nil
}

// MarkDelivered implements notifications.Ledger.
func (l *Ledger) MarkDelivered(ctx context.Context, eventID, recipient string) error {
	if err := l.settle(ctx, eventID, recipient, domain.LedgerDelivered, ""); err != nil {
		return notifications.LedgerError("mark delivered", err)
	}
	return nil
}

// MarkFailed implements notifications.Ledger.
func (l *Ledger) MarkFailed(ctx context.Context, eventID, recipient, reason string) error {
	if err := l.settle(ctx, eventID, recipient, domain.LedgerFailed, reason); err != nil {
		return notifications.LedgerError("mark failed", err)
	}
	return nil
}

func (l *Ledger) settle(ctx context.Context, eventID, recipient string, status domain.LedgerStatus, reason string) error {
	now := l.now().UnixNano()
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if err := touchEvent(ctx, tx, eventID, "", now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_recipients (event_id, recipient, status, reason, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (event_id, recipient) DO UPDATE
			SET status = excluded.status,
			    reason = excluded.reason,
			    lease_until = NULL,
			    lease_token = '',
			    updated_at = excluded.updated_at
			WHERE status = 'pending'
		`, eventID, recipient, string(status), reason, now)
		return err
	})
}

// Release implements notifications.Ledger.
func (l *Ledger) Release(ctx context.Context, eventID string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		args := make([]any, 0, len(recipients)+1)
		args = append(args, eventID)
		for _, r := range recipients {
			args = append(args, r)
		}
		result, err := tx.ExecContext(ctx, `
			DELETE FROM ledger_recipients
			WHERE event_id = ? AND status = 'pending' AND recipient IN (`+placeholders(len(recipients))+`)
		`, args...)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			DELETE FROM ledger_events
			WHERE event_id = ?
			  AND NOT EXISTS (SELECT 1 FROM ledger_recipients WHERE event_id = ?)
		`, eventID, eventID)
		return err
	})
	if err != nil {
		return notifications.LedgerError("release", err)
	}
	return nil
}

// Renew implements notifications.Ledger.
func (l *Ledger) Renew(ctx context.Context, eventID, recipient, token string, lease time.Duration) (bool, error) {
	now := l.now()
	result, err := l.db.ExecContext(ctx, `
		UPDATE ledger_recipients
		SET lease_until = ?, updated_at = ?
		WHERE event_id = ? AND recipient = ? AND lease_token = ? AND status = 'pending'
	`, now.Add(lease).UnixNano(), now.UnixNano(), eventID, recipient, token)
	if err != nil {
		return false, notifications.LedgerError("renew", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, notifications.LedgerError("renew", err)
	}
	return n == 1, nil
}

// ReclaimExpired implements notifications.Ledger.
func (l *Ledger) ReclaimExpired(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error) {
	if limit <= 0 {
		limit = -1
	}
	now := l.now()

	var intents []domain.NotificationIntent
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT r.seq, r.event_id, r.subject, r.recipient, r.template_id, r.payload, r.occurred_at
			FROM ledger_recipients r
			JOIN ledger_events e ON e.event_id = r.event_id
			WHERE r.status = 'pending' AND r.lease_until <= ?
			ORDER BY e.created_at, r.seq
			LIMIT ?
		`, now.UnixNano(), limit)
		if err != nil {
			return err
		}

		var seqs []int64
		for rows.Next() {
			var (
				seq        int64
				intent     domain.NotificationIntent
				payload    string
				occurredAt sql.NullInt64
			)
			if err := rows.Scan(&seq, &intent.EventID, &intent.Subject, &intent.Recipient, &intent.TemplateID, &payload, &occurredAt); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan intent: %w", err)
			}
			if err := json.Unmarshal([]byte(payload), &intent.RenderedPayload); err != nil {
				_ = rows.Close()
				return fmt.Errorf("decode payload: %w", err)
			}
			if occurredAt.Valid {
				intent.OccurredAt = time.Unix(0, occurredAt.Int64).UTC()
			}
			intent.LeaseToken = uuid.NewString()
			seqs = append(seqs, seq)
			intents = append(intents, intent)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i, seq := range seqs {
			_, err := tx.ExecContext(ctx, `
				UPDATE ledger_recipients SET lease_until = ?, lease_token = ?, updated_at = ? WHERE seq = ?
			`, now.Add(lease).UnixNano(), intents[i].LeaseToken, now.UnixNano(), seq)
			if err != nil {
				return fmt.Errorf("extend lease: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, notifications.LedgerError("reclaim expired", err)
	}
	return intents, nil
}

// Entry implements notifications.Ledger.
func (l *Ledger) Entry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{EventID: eventID}

	var createdAt int64
	err := l.db.QueryRowContext(ctx, `
		SELECT subject, created_at FROM ledger_events WHERE event_id = ?
	`, eventID).Scan(&entry.Subject, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notifications.ErrEntryNotFound
		}
		return nil, notifications.LedgerError("get entry", err)
	}
	entry.CreatedAt = time.Unix(0, createdAt).UTC()

	rows, err := l.db.QueryContext(ctx, `
		SELECT recipient, status, template_id, reason, lease_until, updated_at
		FROM ledger_recipients
		WHERE event_id = ?
		ORDER BY seq
	`, eventID)
	if err != nil {
		return nil, notifications.LedgerError("get entry", err)
	}
	defer rows.Close()

	entry.Recipients = make([]domain.RecipientState, 0)
	for rows.Next() {
		var (
			state      domain.RecipientState
			status     string
			leaseUntil sql.NullInt64
			updatedAt  int64
		)
		if err := rows.Scan(&state.Recipient, &status, &state.TemplateID, &state.Reason, &leaseUntil, &updatedAt); err != nil {
			return nil, notifications.LedgerError("scan recipient", err)
		}
		state.Status = domain.LedgerStatus(status)
		state.UpdatedAt = time.Unix(0, updatedAt).UTC()
		if leaseUntil.Valid {
			t := time.Unix(0, leaseUntil.Int64).UTC()
			state.LeaseUntil = &t
		}
		entry.Recipients = append(entry.Recipients, state)
	}
	if err := rows.Err(); err != nil {
		return nil, notifications.LedgerError("get entry", err)
	}

	entry.Status = domain.DeriveStatus(entry.Recipients)
	return entry, nil
}

// Purge implements notifications.Ledger.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, `
		DELETE FROM ledger_events
		WHERE updated_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_recipients r
			WHERE r.event_id = ledger_events.event_id AND r.status = 'pending'
		  )
	`, cutoff.UnixNano())
	if err != nil {
		return 0, notifications.LedgerError("purge", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, notifications.LedgerError("purge", err)
	}
	return n, nil
}

// RecordDeadLetter implements notifications.DeadLetterStore.
func (l *Ledger) RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload.Clone())
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO dead_letters (id, event_id, recipient, template_id, payload, attempts, failure_type, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, recipient) DO NOTHING
	`, dl.ID, dl.EventID, dl.Recipient, dl.TemplateID, string(payload), dl.Attempts,
		string(dl.FailureType), dl.Reason, dl.CreatedAt.UnixNano())
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements notifications.DeadLetterStore. Newest first.
func (l *Ledger) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, event_id, recipient, template_id, payload, attempts, failure_type, reason, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, notifications.LedgerError("list dead letters", err)
	}
	defer rows.Close()

	items := make([]domain.DeadLetter, 0)
	for rows.Next() {
		var (
			dl          domain.DeadLetter
			payload     string
			failureType string
			createdAt   int64
		)
		err := rows.Scan(&dl.ID, &dl.EventID, &dl.Recipient, &dl.TemplateID, &payload,
			&dl.Attempts, &failureType, &dl.Reason, &createdAt)
		if err != nil {
			return nil, notifications.LedgerError("scan dead letter", err)
		}
		if err := json.Unmarshal([]byte(payload), &dl.Payload); err != nil {
			return nil, notifications.LedgerError("decode dead letter payload", err)
		}
		dl.FailureType = domain.FailureType(failureType)
		dl.CreatedAt = time.Unix(0, createdAt).UTC()
		items = append(items, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, notifications.LedgerError("list dead letters", err)
	}
	return items, nil
}

// CountDeadLetters implements notifications.DeadLetterStore.
func (l *Ledger) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, notifications.LedgerError("count dead letters", err)
	}
	return count, nil
}

// Ping implements notifications.Ledger.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return notifications.LedgerError("ping", err)
	}
	return nil
}

// Close implements notifications.Ledger.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func unixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
