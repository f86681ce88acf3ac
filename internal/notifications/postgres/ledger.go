// Package postgres provides the PostgreSQL implementation of notifications.Ledger.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger implements notifications.Ledger using PostgreSQL. Operations on one
// event are serialized by the row lock taken on its ledger_events row.
type Ledger struct {
	db  *pgxpool.Pool
	now func() time.Time
}

var _ notifications.Ledger = (*Ledger)(nil)

// NewLedger creates a new PostgreSQL ledger. The ledger owns db and closes it on Close.
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// lockEvent creates the event row if needed and locks it for the rest of tx.
func lockEvent(ctx context.Context, tx pgx.Tx, eventID, subject string, now time.Time) error {
	query := `
		INSERT INTO ledger_events (event_id, subject, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (event_id) DO UPDATE
		SET updated_at = EXCLUDED.updated_at,
		    subject = CASE WHEN ledger_events.subject = '' THEN EXCLUDED.subject ELSE ledger_events.subject END
	`
	_, err := tx.Exec(ctx, query, eventID, subject, now)
	return err
}

// CheckAndReserve implements notifications.Ledger.
func (l *Ledger) CheckAndReserve(ctx context.Context, eventID string, intents []domain.NotificationIntent, lease time.Duration) (domain.Reservation, error) {
	var res domain.Reservation
	now := l.now()

	subject := ""
	if len(intents) > 0 {
		subject = intents[0].Subject
	}

	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		if err := lockEvent(ctx, tx, eventID, subject, now); err != nil {
			return fmt.Errorf("lock event: %w", err)
		}

		existing, err := recipientStates(ctx, tx, eventID, domain.Recipients(intents))
		if err != nil {
			return err
		}

		leaseUntil := now.Add(lease)
		for _, intent := range intents {
			if state, ok := existing[intent.Recipient]; ok {
				if state.Status.IsTerminal() {
					res.Done = append(res.Done, intent.Recipient)
					continue
				}
				if state.LeaseUntil != nil && state.LeaseUntil.After(now) {
					res.InFlight = append(res.InFlight, intent.Recipient)
					continue
				}
			}

			intent.LeaseToken = uuid.NewString()
			if err := reserve(ctx, tx, intent, leaseUntil, now); err != nil {
				return err
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

func recipientStates(ctx context.Context, tx pgx.Tx, eventID string, recipients []string) (map[string]domain.RecipientState, error) {
	query := `
		SELECT recipient, status, lease_until
		FROM ledger_recipients
		WHERE event_id = $1 AND recipient = ANY($2)
	`
	rows, err := tx.Query(ctx, query, eventID, recipients)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	states := make(map[string]domain.RecipientState)
	for rows.Next() {
		var state domain.RecipientState
		if err := rows.Scan(&state.Recipient, &state.Status, &state.LeaseUntil); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		states[state.Recipient] = state
	}
	return states, rows.Err()
}

func reserve(ctx context.Context, tx pgx.Tx, intent domain.NotificationIntent, leaseUntil, now time.Time) error {
	payload, err := json.Marshal(intent.RenderedPayload.Clone())
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	query := `
		INSERT INTO ledger_recipients
			(event_id, recipient, status, subject, template_id, payload, occurred_at, lease_until, lease_token, updated_at)
		VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, recipient) DO UPDATE
		SET status = 'pending',
		    subject = EXCLUDED.subject,
		    template_id = EXCLUDED.template_id,
		    payload = EXCLUDED.payload,
		    occurred_at = EXCLUDED.occurred_at,
		    reason = '',
		    lease_until = EXCLUDED.lease_until,
		    lease_token = EXCLUDED.lease_token,
		    updated_at = EXCLUDED.updated_at
	`
	_, err = tx.Exec(ctx, query,
		intent.EventID,
		intent.Recipient,
		intent.Subject,
		intent.TemplateID,
		payload,
		nullTime(intent.OccurredAt),
		leaseUntil,
		intent.LeaseToken,
		now,
	)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", intent.Recipient, err)
	}
	return nil
}

// MarkProcessed implements notifications.Ledger.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, subject string) error {
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		return lockEvent(ctx, tx, eventID, subject, l.now())
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
	now := l.now()
	return pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		if err := lockEvent(ctx, tx, eventID, "", now); err != nil {
			return fmt.Errorf("lock event: %w", err)
		}

		query := `
			INSERT INTO ledger_recipients (event_id, recipient, status, reason, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id, recipient) DO UPDATE
			SET status = EXCLUDED.status,
			    reason = EXCLUDED.reason,
			    lease_until = NULL,
			    lease_token = '',
			    updated_at = EXCLUDED.updated_at
			WHERE ledger_recipients.status = 'pending'
		`
		_, err := tx.Exec(ctx, query, eventID, recipient, status, reason, now)
		return err
	})
}

// Release implements notifications.Ledger.
func (l *Ledger) Release(ctx context.Context, eventID string, recipients []string) error {
	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			DELETE FROM ledger_recipients
			WHERE event_id = $1 AND recipient = ANY($2) AND status = 'pending'
		`, eventID, recipients)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM ledger_events e
			WHERE e.event_id = $1
			  AND NOT EXISTS (SELECT 1 FROM ledger_recipients r WHERE r.event_id = e.event_id)
		`, eventID)
		return err
	})
	if err != nil {
		return notifications.LedgerError("release", err)
	}
	return nil
}

// Renew implements notifications.Ledger. The event row lock orders it against
// CheckAndReserve and ReclaimExpired on the same event.
func (l *Ledger) Renew(ctx context.Context, eventID, recipient, token string, lease time.Duration) (bool, error) {
	now := l.now()
	renewed := false

	err := pgx.BeginFunc(ctx, l.db, func(tx pgx.Tx) error {
		var locked string
		err := tx.QueryRow(ctx, `
			SELECT event_id FROM ledger_events WHERE event_id = $1 FOR UPDATE
		`, eventID).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE ledger_recipients
			SET lease_until = $4, updated_at = $5
			WHERE event_id = $1 AND recipient = $2 AND lease_token = $3 AND status = 'pending'
		`, eventID, recipient, token, now.Add(lease), now)
		if err != nil {
			return err
		}
		renewed = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, notifications.LedgerError("renew", err)
	}
	return renewed, nil
}

// ReclaimExpired implements notifications.Ledger. Events locked by a concurrent
// reservation are skipped and picked up on the next run.
func (l *Ledger) ReclaimExpired(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	now := l.now()

	query := `
		WITH expired AS (
			SELECT r.event_id, r.recipient
			FROM ledger_recipients r
			JOIN ledger_events e ON e.event_id = r.event_id
			WHERE r.status = 'pending' AND r.lease_until <= $1
			ORDER BY e.created_at, r.seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ledger_recipients r
		SET lease_until = $2, lease_token = gen_random_uuid()::text, updated_at = $1
		FROM expired
		WHERE r.event_id = expired.event_id AND r.recipient = expired.recipient
		RETURNING r.event_id, r.subject, r.recipient, r.template_id, r.payload, r.occurred_at, r.lease_token
	`
	rows, err := l.db.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, notifications.LedgerError("reclaim expired", err)
	}
	defer rows.Close()

	var intents []domain.NotificationIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, notifications.LedgerError("reclaim expired", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, notifications.LedgerError("reclaim expired", err)
	}
	return intents, nil
}

func scanIntent(row pgx.Row) (domain.NotificationIntent, error) {
	var (
		intent     domain.NotificationIntent
		payload    []byte
		occurredAt *time.Time
	)
	err := row.Scan(&intent.EventID, &intent.Subject, &intent.Recipient, &intent.TemplateID, &payload, &occurredAt, &intent.LeaseToken)
	if err != nil {
		return intent, fmt.Errorf("scan intent: %w", err)
	}
	if err := json.Unmarshal(payload, &intent.RenderedPayload); err != nil {
		return intent, fmt.Errorf("decode payload: %w", err)
	}
	if occurredAt != nil {
		intent.OccurredAt = occurredAt.UTC()
	}
	return intent, nil
}

// Entry implements notifications.Ledger.
func (l *Ledger) Entry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{EventID: eventID}
	err := l.db.QueryRow(ctx, `
		SELECT subject, created_at FROM ledger_events WHERE event_id = $1
	`, eventID).Scan(&entry.Subject, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrEntryNotFound
		}
		return nil, notifications.LedgerError("get entry", err)
	}

	rows, err := l.db.Query(ctx, `
		SELECT recipient, status, template_id, reason, lease_until, updated_at
		FROM ledger_recipients
		WHERE event_id = $1
		ORDER BY seq
	`, eventID)
	if err != nil {
		return nil, notifications.LedgerError("get entry", err)
	}
	defer rows.Close()

	entry.Recipients = make([]domain.RecipientState, 0)
	for rows.Next() {
		var state domain.RecipientState
		err := rows.Scan(&state.Recipient, &state.Status, &state.TemplateID, &state.Reason, &state.LeaseUntil, &state.UpdatedAt)
		if err != nil {
			return nil, notifications.LedgerError("scan recipient", err)
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
	tag, err := l.db.Exec(ctx, `
		DELETE FROM ledger_events e
		WHERE e.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_recipients r
			WHERE r.event_id = e.event_id AND r.status = 'pending'
		  )
	`, cutoff)
	if err != nil {
		return 0, notifications.LedgerError("purge", err)
	}
	return tag.RowsAffected(), nil
}

// RecordDeadLetter implements notifications.DeadLetterStore. A second dead
// letter for the same (event, recipient) is ignored.
func (l *Ledger) RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	payload, err := json.Marshal(dl.Payload.Clone())
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}

	query := `
		INSERT INTO dead_letters (id, event_id, recipient, template_id, payload, attempts, failure_type, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (event_id, recipient) DO NOTHING
	`
	_, err = l.db.Exec(ctx, query,
		dl.ID,
		dl.EventID,
		dl.Recipient,
		dl.TemplateID,
		payload,
		dl.Attempts,
		dl.FailureType,
		dl.Reason,
		dl.CreatedAt,
	)
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements notifications.DeadLetterStore. Newest first.
func (l *Ledger) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	query := `
		SELECT id, event_id, recipient, template_id, payload, attempts, failure_type, reason, created_at
		FROM dead_letters
		ORDER BY created_at DESC, id
		LIMIT $1
	`
	rows, err := l.db.Query(ctx, query, limit)
	if err != nil {
		return nil, notifications.LedgerError("list dead letters", err)
	}
	defer rows.Close()

	items := make([]domain.DeadLetter, 0)
	for rows.Next() {
		var (
			dl      domain.DeadLetter
			payload []byte
		)
		err := rows.Scan(
			&dl.ID,
			&dl.EventID,
			&dl.Recipient,
			&dl.TemplateID,
			&payload,
			&dl.Attempts,
			&dl.FailureType,
			&dl.Reason,
			&dl.CreatedAt,
		)
		if err != nil {
			return nil, notifications.LedgerError("scan dead letter", err)
		}
		if err := json.Unmarshal(payload, &dl.Payload); err != nil {
			return nil, notifications.LedgerError("decode dead letter payload", err)
		}
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
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, notifications.LedgerError("count dead letters", err)
	}
	return count, nil
}

// Ping implements notifications.Ledger.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.Ping(ctx); err != nil {
		return notifications.LedgerError("ping", err)
	}
	return nil
}

// Close implements notifications.Ledger.
func (l *Ledger) Close() error {
	l.db.Close()
	return nil
}

// Pool exposes the connection pool for metrics collection.
func (l *Ledger) Pool() *pgxpool.Pool {
	return l.db
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
