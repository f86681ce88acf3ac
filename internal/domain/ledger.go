package domain

import "time"

// LedgerStatus is the delivery state of an (event, recipient) pair.
type LedgerStatus string

// Ledger statuses.
const (
	LedgerPending   LedgerStatus = "pending"
	LedgerDelivered LedgerStatus = "delivered"
	LedgerFailed    LedgerStatus = "failed"
)

// IsTerminal reports whether no further send may happen for the pair.
func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerDelivered || s == LedgerFailed
}

// RecipientState is the ledger record for one recipient of an event.
type RecipientState struct {
	Recipient  string       `json:"recipient"`
	Status     LedgerStatus `json:"status"`
	TemplateID string       `json:"template_id"`
	Reason     string       `json:"reason,omitempty"`
	LeaseUntil *time.Time   `json:"lease_until,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// LedgerEntry aggregates the ledger records of one event.
type LedgerEntry struct {
	EventID    string           `json:"event_id"`
	Subject    string           `json:"subject"`
	Status     LedgerStatus     `json:"status"`
	Recipients []RecipientState `json:"recipients"`
	CreatedAt  time.Time        `json:"created_at"`
}

// Delivered returns the recipients already marked as delivered.
func (e LedgerEntry) Delivered() []string {
	out := make([]string, 0, len(e.Recipients))
	for _, r := range e.Recipients {
		if r.Status == LedgerDelivered {
			out = append(out, r.Recipient)
		}
	}
	return out
}

// DeriveStatus computes the event-level status from its recipients.
// An event with no recipients is vacuously delivered.
func DeriveStatus(recipients []RecipientState) LedgerStatus {
	status := LedgerDelivered
	for _, r := range recipients {
		switch r.Status {
		case LedgerPending:
			return LedgerPending
		case LedgerFailed:
			status = LedgerFailed
		}
	}
	return status
}

// Reservation is the result of an atomic check-and-reserve on the ledger.
type Reservation struct {
	// Reserved intents are now PENDING under a fresh lease and must be enqueued.
	Reserved []NotificationIntent
	// InFlight recipients are PENDING under another live lease.
	InFlight []string
	// Done recipients are already DELIVERED or FAILED.
	Done []string
}
