package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/agentic-notifier/internal/rules"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome tells the message source whether to commit an event.
type Outcome int

// Outcomes.
const (
	// Ack commits the event: every intent is terminal or safely enqueued.
	Ack Outcome = iota
	// Nack leaves the event uncommitted for redelivery.
	Nack
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "nack"
}

// Coordinator turns events into enqueued, ledger-reserved intents.
type Coordinator struct {
	resolver *rules.Resolver
	ledger   Ledger
	queue    *Queue
	pool     *Pool
	lease    time.Duration
	tracer   trace.Tracer

	decisions DecisionPublisher
}

// NewCoordinator creates a coordinator. lease is the reservation lifetime
// granted to every enqueued intent.
func NewCoordinator(resolver *rules.Resolver, ledger Ledger, queue *Queue, pool *Pool, lease time.Duration) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		ledger:   ledger,
		queue:    queue,
		pool:     pool,
		lease:    lease,
		tracer:   otel.Tracer(tracerName),

		decisions: NopPublisher{},
	}
}

// SetDecisionPublisher makes the coordinator publish a DispatchDecision for
// every event it routes. A nil publisher disables publishing.
func (c *Coordinator) SetDecisionPublisher(p DecisionPublisher) {
	if p == nil {
		p = NopPublisher{}
	}
	c.decisions = p
}

// OnEvent processes one event and returns whether the source may commit it.
// It blocks while the delivery queue is full. An invalid event is acked with
// an error so the caller can dead-letter it instead of redelivering it.
func (c *Coordinator) OnEvent(ctx context.Context, event domain.Event) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "Coordinator.OnEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.subject", event.Subject),
	))
	defer span.End()

	outcome, err := c.onEvent(ctx, event)
	span.SetAttributes(attribute.String("dispatch.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (c *Coordinator) onEvent(ctx context.Context, event domain.Event) (Outcome, error) {
	logger := ctxlog.FromContext(ctx).With("event_id", event.ID, "subject", event.Subject)

	if err := event.Validate(); err != nil {
		recordEvent("invalid")
		c.decide(ctx, newDecision(event, rules.Route{}, domain.Reservation{}, domain.DecisionRejected, err))
		return Ack, fmt.Errorf("invalid event: %w", err)
	}

	route := c.resolver.Route(event)
	if len(route.Intents) == 0 {
		if err := c.ledger.MarkProcessed(ctx, event.ID, event.Subject); err != nil {
			recordEvent("nack")
			return Nack, err
		}
		recordEvent("unmatched")
		logger.Debug("event matched no rules")
		c.decide(ctx, newDecision(event, route, domain.Reservation{}, domain.DecisionUnmatched, nil))
		return Ack, nil
	}

	reservation, err := c.ledger.CheckAndReserve(ctx, event.ID, route.Intents, c.lease)
	if err != nil {
		recordEvent("nack")
		return Nack, err
	}

	for i, intent := range reservation.Reserved {
		if err := c.queue.Enqueue(ctx, intent); err != nil {
			pending := domain.Recipients(reservation.Reserved[i:])
			if relErr := c.ledger.Release(context.WithoutCancel(ctx), event.ID, pending); relErr != nil {
				logger.Error("failed to release reservations", "recipients", pending, "error", relErr)
			}
			recordIntentsEnqueued(i)
			recordEvent("nack")
			err = fmt.Errorf("enqueue intents: %w", err)
			c.decide(ctx, newDecision(event, route, reservation, domain.DecisionDeferred, err))
			return Nack, err
		}
	}
	recordIntentsEnqueued(len(reservation.Reserved))

	logger.Debug("event dispatched",
		"reserved", len(reservation.Reserved),
		"in_flight", len(reservation.InFlight),
		"done", len(reservation.Done),
	)

	if len(reservation.InFlight) > 0 {
		// Another reservation holds these recipients; commit only once it settles.
		recordEvent("nack")
		c.decide(ctx, newDecision(event, route, reservation, domain.DecisionDeferred, nil))
		return Nack, nil
	}

	recordEvent("ack")
	c.decide(ctx, newDecision(event, route, reservation, domain.DecisionDispatched, nil))
	return Ack, nil
}

// decide publishes decision. Publishing is best effort and never changes
// the outcome of the event.
func (c *Coordinator) decide(ctx context.Context, decision domain.DispatchDecision) {
	if err := c.decisions.PublishDecision(context.WithoutCancel(ctx), decision); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to publish dispatch decision",
			"event_id", decision.EventID, "outcome", decision.Outcome, "error", err)
	}
}

func newDecision(event domain.Event, route rules.Route, res domain.Reservation, outcome domain.DecisionOutcome, err error) domain.DispatchDecision {
	d := domain.DispatchDecision{
		DecisionID:   uuid.NewString(),
		EventID:      event.ID,
		Subject:      event.Subject,
		RulesVersion: route.Version,
		MatchedRules: nonNil(route.Rules),
		Reserved:     domain.Recipients(res.Reserved),
		InFlight:     nonNil(res.InFlight),
		Done:         nonNil(res.Done),
		Outcome:      outcome,
		DecidedAt:    time.Now().UTC(),
	}
	if err != nil {
		d.Reason = err.Error()
	}
	return d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	QueueDepth     int       `json:"queue_depth"`
	QueueCapacity  int       `json:"queue_capacity"`
	Workers        int       `json:"workers"`
	BusyWorkers    int       `json:"busy_workers"`
	PendingRetries int       `json:"pending_retries"`
	DeadLetters    int64     `json:"dead_letters"`
	RulesVersion   uint64    `json:"rules_version"`
	RulesCount     int       `json:"rules_count"`
	RulesLoadedAt  time.Time `json:"rules_loaded_at"`
}

// Stats returns the current pipeline statistics.
func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	snap := c.resolver.Snapshot()
	stats := Stats{
		QueueDepth:     c.queue.Len(),
		QueueCapacity:  c.queue.Cap(),
		PendingRetries: c.queue.Scheduled(),
		RulesVersion:   snap.Version,
		RulesCount:     snap.Len(),
		RulesLoadedAt:  snap.LoadedAt,
	}
	if c.pool != nil {
		stats.Workers = c.pool.Workers()
		stats.BusyWorkers = c.pool.Busy()
	}

	count, err := c.ledger.CountDeadLetters(ctx)
	if err != nil {
		return stats, err
	}
	stats.DeadLetters = count

	return stats, nil
}
