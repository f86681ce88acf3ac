// Package notifications implements the event-to-notification dispatch pipeline:
// coordinator, bounded delivery queue, worker pool, renderer and the contracts
// of its ledger, mail transport and result publisher collaborators.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
)

// Ledger is the durable idempotency store. Operations on the same event id
// are serialized by the implementation. Every storage failure is reported
// wrapped in ErrLedgerUnavailable.
type Ledger interface {
	// CheckAndReserve atomically moves every intent whose recipient is neither
	// terminal nor held by a live lease into PENDING under a new lease. Each
	// reserved intent carries the fresh LeaseToken of its reservation.
	CheckAndReserve(ctx context.Context, eventID string, intents []domain.NotificationIntent, lease time.Duration) (domain.Reservation, error)
	// MarkProcessed records an event that resolved to no recipients.
	MarkProcessed(ctx context.Context, eventID, subject string) error
	// MarkDelivered and MarkFailed are idempotent; terminal states never change.
	MarkDelivered(ctx context.Context, eventID, recipient string) error
	MarkFailed(ctx context.Context, eventID, recipient, reason string) error
	// Release drops PENDING reservations that were never enqueued.
	Release(ctx context.Context, eventID string, recipients []string) error
	// Renew extends the lease of a PENDING record to now+lease if it is still
	// held under token, and reports whether it was. It reports false once the
	// record is terminal, released or re-issued under another token. A zero
	// lease hands the record back to ReclaimExpired.
	Renew(ctx context.Context, eventID, recipient, token string, lease time.Duration) (bool, error)
	// ReclaimExpired re-leases PENDING records whose lease has expired under a
	// fresh LeaseToken.
	ReclaimExpired(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error)
	Entry(ctx context.Context, eventID string) (*domain.LedgerEntry, error)
	// Purge removes events whose recipients are all terminal and that were
	// last updated before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)

	DeadLetterStore

	Ping(ctx context.Context) error
	Close() error
}

// DeadLetterStore keeps permanently undeliverable intents.
type DeadLetterStore interface {
	// RecordDeadLetter is idempotent per (event id, recipient).
	RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

// Message is a fully rendered notification.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Transport delivers rendered messages. Errors should be *DeliveryError;
// unclassified errors are treated as transient.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ResultPublisher publishes terminal delivery outcomes.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result domain.DeliveryResult) error
}

// DecisionPublisher publishes the routing decision taken for each event.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, decision domain.DispatchDecision) error
}

// NopPublisher discards results and decisions.
type NopPublisher struct{}

// PublishResult implements ResultPublisher.
func (NopPublisher) PublishResult(context.Context, domain.DeliveryResult) error { return nil }

// PublishDecision implements DecisionPublisher.
func (NopPublisher) PublishDecision(context.Context, domain.DispatchDecision) error { return nil }
