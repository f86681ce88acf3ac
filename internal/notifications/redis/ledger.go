// Package redis provides a notifications.Ledger on Redis. Every per-event
// operation runs as one Lua script, so operations on an event are atomic.
// The ledger targets a single Redis node.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Config contains Redis connection settings.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Ledger implements notifications.Ledger on Redis.
type Ledger struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ notifications.Ledger = (*Ledger)(nil)

// NewLedger creates a Redis client and verifies the connection.
func NewLedger(ctx context.Context, cfg Config) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewLedgerWithClient(client, cfg.KeyPrefix), nil
}

// NewLedgerWithClient wraps an existing client. The ledger closes it on Close.
func NewLedgerWithClient(client *redis.Client, prefix string) *Ledger {
	if prefix == "" {
		prefix = "notifier"
	}
	return &Ledger{
		client: client,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) eventKeys(eventID string) []string {
	keys := make([]string, 0, 11)
	for _, kind := range []string{"ev", "rs", "st", "ls", "rsn", "up", "tp", "in", "tk"} {
		keys = append(keys, l.prefix+":"+kind+":"+eventID)
	}
	return append(keys, l.eventsKey(), l.leasesKey())
}

func (l *Ledger) eventsKey() string     { return l.prefix + ":events" }
func (l *Ledger) leasesKey() string     { return l.prefix + ":leases" }
func (l *Ledger) deadLetterKey() string { return l.prefix + ":dl" }
func (l *Ledger) deadIndexKey() string  { return l.prefix + ":dlidx" }

// member encodes (event id, recipient) unambiguously as "<len(eventID)>:<eventID><recipient>".
func member(eventID, recipient string) string {
	return strconv.Itoa(len(eventID)) + ":" + eventID + recipient
}

func parseMember(m string) (eventID, recipient string, err error) {
	n, rest, ok := strings.Cut(m, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed member %q", m)
	}
	size, err := strconv.Atoi(n)
	if err != nil || size < 0 || size > len(rest) {
		return "", "", fmt.Errorf("malformed member %q", m)
	}
	return rest[:size], rest[size:], nil
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(s string) time.Time {
	v, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMicro(v).UTC()
}

// CheckAndReserve implements notifications.Ledger.
func (l *Ledger) CheckAndReserve(ctx context.Context, eventID string, intents []domain.NotificationIntent, lease time.Duration) (domain.Reservation, error) {
	now := l.now()
	subject := ""
	if len(intents) > 0 {
		subject = intents[0].Subject
	}

	tokens := make([]string, len(intents))
	args := make([]any, 0, 4+4*len(intents))
	args = append(args, eventID, subject, micros(now), micros(now.Add(lease)))
	for i, intent := range intents {
		tokens[i] = uuid.NewString()
		intent.RenderedPayload = intent.RenderedPayload.Clone()
		intent.LeaseToken = ""
		data, err := json.Marshal(intent)
		if err != nil {
			return domain.Reservation{}, notifications.LedgerError("check and reserve", err)
		}
		args = append(args, intent.Recipient, intent.TemplateID, tokens[i], string(data))
	}

	codes, err := reserveScript.Run(ctx, l.client, l.eventKeys(eventID), args...).Int64Slice()
	if err != nil {
		return domain.Reservation{}, notifications.LedgerError("check and reserve", err)
	}
	if len(codes) != len(intents) {
		return domain.Reservation{}, notifications.LedgerError("check and reserve",
			fmt.Errorf("script returned %d codes for %d intents", len(codes), len(intents)))
	}

	var res domain.Reservation
	for i, code := range codes {
		switch code {
		case 0:
			intent := intents[i]
			intent.LeaseToken = tokens[i]
			res.Reserved = append(res.Reserved, intent)
		case 1:
			res.InFlight = append(res.InFlight, intents[i].Recipient)
		default:
			res.Done = append(res.Done, intents[i].Recipient)
		}
	}
	return res, nil
}

// MarkProcessed implements notifications.Ledger.
func (l *Ledger) MarkProcessed(ctx context.Context, eventID, subject string) error {
	err := processScript.Run(ctx, l.client, l.eventKeys(eventID), eventID, subject, micros(l.now())).Err()
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
	return settleScript.Run(ctx, l.client, l.eventKeys(eventID),
		eventID, "", micros(l.now()), recipient, string(status), reason).Err()
}

// Release implements notifications.Ledger.
func (l *Ledger) Release(ctx context.Context, eventID string, recipients []string) error {
	if len(recipients) == 0 {
		return nil
	}
	args := make([]any, 0, len(recipients)+1)
	args = append(args, eventID)
	for _, r := range recipients {
		args = append(args, r)
	}
	if err := releaseScript.Run(ctx, l.client, l.eventKeys(eventID), args...).Err(); err != nil {
		return notifications.LedgerError("release", err)
	}
	return nil
}

// Renew implements notifications.Ledger.
func (l *Ledger) Renew(ctx context.Context, eventID, recipient, token string, lease time.Duration) (bool, error) {
	now := l.now()
	keys := l.eventKeys(eventID)
	n, err := renewScript.Run(ctx, l.client,
		[]string{keys[2], keys[3], keys[5], keys[8], l.leasesKey()},
		eventID, recipient, token, micros(now), micros(now.Add(lease)),
	).Int64()
	if err != nil {
		return false, notifications.LedgerError("renew", err)
	}
	return n == 1, nil
}

// ReclaimExpired implements notifications.Ledger.
func (l *Ledger) ReclaimExpired(ctx context.Context, limit int, lease time.Duration) ([]domain.NotificationIntent, error) {
	now := l.now()
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(micros(now), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	members, err := l.client.ZRangeByScore(ctx, l.leasesKey(), opt).Result()
	if err != nil {
		return nil, notifications.LedgerError("reclaim expired", err)
	}

	var intents []domain.NotificationIntent
	for _, m := range members {
		eventID, recipient, err := parseMember(m)
		if err != nil {
			_ = l.client.ZRem(ctx, l.leasesKey(), m).Err()
			continue
		}

		keys := l.eventKeys(eventID)
		token := uuid.NewString()
		data, err := reclaimScript.Run(ctx, l.client,
			[]string{keys[2], keys[3], keys[5], keys[7], keys[8], l.leasesKey()},
			eventID, recipient, micros(now), micros(now.Add(lease)), token,
		).Text()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return intents, notifications.LedgerError("reclaim expired", err)
		}

		var intent domain.NotificationIntent
		if err := json.Unmarshal([]byte(data), &intent); err != nil {
			return intents, notifications.LedgerError("decode intent", err)
		}
		intent.LeaseToken = token
		intents = append(intents, intent)
	}
	return intents, nil
}

// Entry implements notifications.Ledger.
func (l *Ledger) Entry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	keys := l.eventKeys(eventID)

	var (
		ev, st, ls, rsn, up, tp *redis.MapStringStringCmd
		order                   *redis.StringSliceCmd
	)
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ev = pipe.HGetAll(ctx, keys[0])
		order = pipe.ZRange(ctx, keys[1], 0, -1)
		st = pipe.HGetAll(ctx, keys[2])
		ls = pipe.HGetAll(ctx, keys[3])
		rsn = pipe.HGetAll(ctx, keys[4])
		up = pipe.HGetAll(ctx, keys[5])
		tp = pipe.HGetAll(ctx, keys[6])
		return nil
	})
	if err != nil {
		return nil, notifications.LedgerError("get entry", err)
	}

	fields := ev.Val()
	if len(fields) == 0 {
		return nil, notifications.ErrEntryNotFound
	}

	entry := &domain.LedgerEntry{
		EventID:    eventID,
		Subject:    fields["subject"],
		CreatedAt:  fromMicros(fields["created_at"]),
		Recipients: make([]domain.RecipientState, 0, len(order.Val())),
	}
	statuses, leases, reasons, updated, templates := st.Val(), ls.Val(), rsn.Val(), up.Val(), tp.Val()
	for _, r := range order.Val() {
		state := domain.RecipientState{
			Recipient:  r,
			Status:     domain.LedgerStatus(statuses[r]),
			TemplateID: templates[r],
			Reason:     reasons[r],
			UpdatedAt:  fromMicros(updated[r]),
		}
		if v, ok := leases[r]; ok {
			t := fromMicros(v)
			state.LeaseUntil = &t
		}
		entry.Recipients = append(entry.Recipients, state)
	}
	entry.Status = domain.DeriveStatus(entry.Recipients)

	return entry, nil
}

// Purge implements notifications.Ledger.
func (l *Ledger) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	iter := l.client.ZScan(ctx, l.eventsKey(), 0, "", 200).Iterator()
	isMember := true
	for iter.Next(ctx) {
		// ZSCAN yields member, score pairs.
		if !isMember {
			isMember = true
			continue
		}
		isMember = false

		eventID := iter.Val()
		n, err := purgeScript.Run(ctx, l.client, l.eventKeys(eventID)[:10], eventID, micros(cutoff)).Int64()
		if err != nil {
			return purged, notifications.LedgerError("purge", err)
		}
		purged += n
	}
	if err := iter.Err(); err != nil {
		return purged, notifications.LedgerError("purge", err)
	}
	return purged, nil
}

// RecordDeadLetter implements notifications.DeadLetterStore.
func (l *Ledger) RecordDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	stored := *dl
	stored.Payload = dl.Payload.Clone()
	data, err := json.Marshal(stored)
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}

	err = deadLetterScript.Run(ctx, l.client,
		[]string{l.deadLetterKey(), l.deadIndexKey()},
		member(dl.EventID, dl.Recipient), string(data), micros(dl.CreatedAt),
	).Err()
	if err != nil {
		return notifications.LedgerError("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements notifications.DeadLetterStore. Newest first.
func (l *Ledger) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	members, err := l.client.ZRevRange(ctx, l.deadIndexKey(), 0, stop).Result()
	if err != nil {
		return nil, notifications.LedgerError("list dead letters", err)
	}
	items := make([]domain.DeadLetter, 0, len(members))
	if len(members) == 0 {
		return items, nil
	}

	values, err := l.client.HMGet(ctx, l.deadLetterKey(), members...).Result()
	if err != nil {
		return nil, notifications.LedgerError("list dead letters", err)
	}
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var dl domain.DeadLetter
		if err := json.Unmarshal([]byte(s), &dl); err != nil {
			return nil, notifications.LedgerError("decode dead letter", err)
		}
		items = append(items, dl)
	}
	return items, nil
}

// CountDeadLetters implements notifications.DeadLetterStore.
func (l *Ledger) CountDeadLetters(ctx context.Context) (int64, error) {
	n, err := l.client.HLen(ctx, l.deadLetterKey()).Result()
	if err != nil {
		return 0, notifications.LedgerError("count dead letters", err)
	}
	return n, nil
}

// Ping implements notifications.Ledger.
func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return notifications.LedgerError("ping", err)
	}
	return nil
}

// Close implements notifications.Ledger.
func (l *Ledger) Close() error {
	return l.client.Close()
}
