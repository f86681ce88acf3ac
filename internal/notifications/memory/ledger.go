// Package memory provides an in-process ledger for tests and single-instance
// deployments. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/google/uuid"
)

type recipientRecord struct {
	state  domain.RecipientState
	intent domain.NotificationIntent
	token  string
}

type eventRecord struct {
	subject    string
	createdAt  time.Time
	updatedAt  time.Time
	order      []string
	recipients map[string]*recipientRecord
}

type deadLetterKey struct {
	eventID   string
	recipient string
}

// Ledger is an in-memory notifications.Ledger. All operations are serialized.
type Ledger struct {
	mu          sync.Mutex
	events      map[string]*eventRecord
	deadLetters []domain.DeadLetter
	dlIndex     map[deadLetterKey]struct{}

	now func() time.Time
}

var _ notifications.Ledger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		events:  make(map[string]*eventRecord),
		dlIndex: make(map[deadLetterKey]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *Ledger) event(eventID, subject string, now time.Time) *eventRecord {
	ev, ok := l.events[eventID]
	if !ok {
		ev = &eventRecord{
			subject:    subject,
			createdAt:  now,
			updatedAt:  now,
			recipients: make(map[string]*recipientRecord),
		}
		l.events[eventID] = ev
	}
	if ev.subject == "" {
		ev.subject = subject
	}
	return ev
}

// CheckAndReserve implements notifications.Ledger.
func (l *Ledger) CheckAndReserve(_ context.Context, eventID string, intents []domain.NotificationIntent, lease time.Duration) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	subject := ""
	if len(intents) > 0 {
		subject = intents[0].Subject
	}
	ev := l.event(eventID, subject, now)

	var res domain.Reservation
	for _, intent := range intents {
		rec, ok := ev.recipients[intent.Recipient]
		switch {
		case ok && rec.state.Status.IsTerminal():
			res.Done = append(res.Done, intent.Recipient)
			continue
		case ok && rec.state.LeaseUntil != nil && rec.state.LeaseUntil.After(now):
			res.InFlight = append(res.InFlight, intent.Recipient)
			continue
		case !ok:
			rec = &recipientRecord{}
			ev.recipients[intent.Recipient] = rec
			ev.order = append(ev.order, intent.Recipient)
		}

		leaseUntil := now.Add(lease)
		rec.state = domain.RecipientState{
			Recipient:  intent.Recipient,
			Status:     domain.LedgerPending,
			TemplateID: intent.TemplateID,
			LeaseUntil: &leaseUntil,
			UpdatedAt:  now,
		}
		intent.LeaseToken = uuid.NewString()
		rec.intent = intent
		rec.token = intent.LeaseToken
		res.Reserved = append(res.Reserved, intent)
	}
	ev.updatedAt = now

	return res, nil
}

// MarkProcessed implements notifications.Ledger.
func (l *Ledger) MarkProcessed(_ context.Context, eventID, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.event(eventID, subject, now).updatedAt = now
	return nil
}

// MarkDelivered implements notifications.Ledger.
func (l *Ledger) MarkDelivered(_ context.Context, eventID, recipient string) error {
	l.settle(eventID, recipient, domain.LedgerDelivered, "")
	return nil
}

// MarkFailed implements notifications.Ledger.
func (l *Ledger) MarkFailed(_ context.Context, eventID, recipient, reason string) error {
	l.settle(eventID, recipient, domain.LedgerFailed, reason)
	return nil
}

func (l *Ledger) settle(eventID, recipient string, status domain.LedgerStatus, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	ev := l.event(eventID, "", now)
	rec, ok := ev.recipients[recipient]
	if !ok {
		rec = &recipientRecord{state: domain.RecipientState{Recipient: recipient}}
		ev.recipients[recipient] = rec
		ev.order = append(ev.order, recipient)
	}
	if rec.state.Status.IsTerminal() {
		return
	}

	rec.state.Status = status
	rec.state.Reason = reason
	rec.state.LeaseUntil = nil
	rec.token = ""
	rec.state.UpdatedAt = now
	ev.updatedAt = now
}

// Release implements notifications.Ledger.
func (l *Ledger) Release(_ context.Context, eventID string, recipients []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return nil
	}

	released := 0
	for _, rcpt := range recipients {
		rec, ok := ev.recipients[rcpt]
		if !ok || rec.state.Status != domain.LedgerPending {
			continue
		}
		released++
		delete(ev.recipients, rcpt)
		for i, r := range ev.order {
			if r == rcpt {
				ev.order = append(ev.order[:i], ev.order[i+1:]...)
				break
			}
		}
	}

	if released > 0 && len(ev.recipients) == 0 {
		delete(l.events, eventID)
	}
	return nil
}

// Renew implements notifications.Ledger.
func (l *Ledger) Renew(_ context.Context, eventID, recipient, token string, lease time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return false, nil
	}
	rec, ok := ev.recipients[recipient]
	if !ok || rec.state.Status != domain.LedgerPending || rec.token != token {
		return false, nil
	}

	now := l.now()
	leaseUntil := now.Add(lease)
	rec.state.LeaseUntil = &leaseUntil
	rec.state.UpdatedAt = now
	return true, nil
}

// ReclaimExpired implements notifications.Ledger.
func (l *Ledger) ReclaimExpired(_ context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var out []domain.NotificationIntent
	for _, id := range l.sortedIDs() {
		ev := l.events[id]
		for _, rcpt := range ev.order {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			rec := ev.recipients[rcpt]
			if rec.state.Status != domain.LedgerPending || rec.state.LeaseUntil == nil || rec.state.LeaseUntil.After(now) {
				continue
			}
			leaseUntil := now.Add(lease)
			rec.state.LeaseUntil = &leaseUntil
			rec.state.UpdatedAt = now
			rec.token = uuid.NewString()
			rec.intent.LeaseToken = rec.token
			out = append(out, rec.intent)
		}
	}
	return out, nil
}

// Entry implements notifications.Ledger.
func (l *Ledger) Entry(_ context.Context, eventID string) (*domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev, ok := l.events[eventID]
	if !ok {
		return nil, notifications.ErrEntryNotFound
	}

	entry := &domain.LedgerEntry{
		EventID:    eventID,
		Subject:    ev.subject,
		Recipients: make([]domain.RecipientState, 0, len(ev.order)),
		CreatedAt:  ev.createdAt,
	}
	for _, rcpt := range ev.order {
		state := ev.recipients[rcpt].state
		if state.LeaseUntil != nil {
			lease := *state.LeaseUntil
			state.LeaseUntil = &lease
		}
		entry.Recipients = append(entry.Recipients, state)
	}
	entry.Status = domain.DeriveStatus(entry.Recipients)

	return entry, nil
}

// Purge implements notifications.Ledger.
func (l *Ledger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var purged int64
	for id, ev := range l.events {
		if !ev.updatedAt.Before(cutoff) {
			continue
		}
		terminal := true
		for _, rec := range ev.recipients {
			if !rec.state.Status.IsTerminal() {
				terminal = false
				break
			}
		}
		if terminal {
			delete(l.events, id)
			purged++
		}
	}
	return purged, nil
}

// RecordDeadLetter implements notifications.DeadLetterStore.
func (l *Ledger) RecordDeadLetter(_ context.Context, dl *domain.DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := deadLetterKey{eventID: dl.EventID, recipient: dl.Recipient}
	if _, ok := l.dlIndex[key]; ok {
		return nil
	}
	l.dlIndex[key] = struct{}{}

	stored := *dl
	stored.Payload = dl.Payload.Clone()
	l.deadLetters = append(l.deadLetters, stored)
	return nil
}

// ListDeadLetters implements notifications.DeadLetterStore. Newest first.
func (l *Ledger) ListDeadLetters(_ context.Context, limit int) ([]domain.DeadLetter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.DeadLetter, 0, len(l.deadLetters))
	for i := len(l.deadLetters) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, l.deadLetters[i])
	}
	return out, nil
}

// CountDeadLetters implements notifications.DeadLetterStore.
func (l *Ledger) CountDeadLetters(context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.deadLetters)), nil
}

// Ping implements notifications.Ledger.
func (l *Ledger) Ping(context.Context) error { return nil }

// Close implements notifications.Ledger.
func (l *Ledger) Close() error { return nil }

func (l *Ledger) sortedIDs() []string {
	ids := make([]string, 0, len(l.events))
	for id := range l.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := l.events[ids[i]], l.events[ids[j]]
		if a.createdAt.Equal(b.createdAt) {
			return ids[i] < ids[j]
		}
		return a.createdAt.Before(b.createdAt)
	})
	return ids
}
