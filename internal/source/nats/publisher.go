package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/nats-io/nats.go"
)

// ResultPublisher publishes terminal delivery results as JSON on a core NATS subject.
type ResultPublisher struct {
	nc      *nats.Conn
	subject string
}

var _ notifications.ResultPublisher = (*ResultPublisher)(nil)

// NewResultPublisher creates a result publisher.
func NewResultPublisher(nc *nats.Conn, subject string) *ResultPublisher {
	return &ResultPublisher{nc: nc, subject: subject}
}

// PublishResult implements notifications.ResultPublisher.
func (p *ResultPublisher) PublishResult(_ context.Context, result domain.DeliveryResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

// DecisionPublisher publishes dispatch decisions as JSON on a core NATS subject.
type DecisionPublisher struct {
	nc      *nats.Conn
	subject string
}

var _ notifications.DecisionPublisher = (*DecisionPublisher)(nil)

// NewDecisionPublisher creates a decision publisher.
func NewDecisionPublisher(nc *nats.Conn, subject string) *DecisionPublisher {
	return &DecisionPublisher{nc: nc, subject: subject}
}

// PublishDecision implements notifications.DecisionPublisher.
func (p *DecisionPublisher) PublishDecision(_ context.Context, decision domain.DispatchDecision) error {
	data, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish decision: %w", err)
	}
	return nil
}

// EventPublisher writes events to their partition subject. Producers and
// tests use it to feed the source.
type EventPublisher struct {
	nc         *nats.Conn
	prefix     string
	partitions int
}

// NewEventPublisher creates an event publisher for the given subject layout.
func NewEventPublisher(nc *nats.Conn, prefix string, partitions int) *EventPublisher {
	return &EventPublisher{nc: nc, prefix: prefix, partitions: max(partitions, 1)}
}

// PublishEvent publishes event to the partition chosen by its id and waits
// for the stream acknowledgement.
func (p *EventPublisher) PublishEvent(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.PublishRaw(ctx, PartitionFor(event.ID, p.partitions), data)
}

// PublishRaw publishes data to partition p as is.
func (p *EventPublisher) PublishRaw(ctx context.Context, partition int, data []byte) error {
	msg := nats.NewMsg(PartitionSubject(p.prefix, partition))
	msg.Data = data
	if _, err := p.nc.RequestMsgWithContext(ctx, msg); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
