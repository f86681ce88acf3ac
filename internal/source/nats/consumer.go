// Package nats consumes events from partitioned JetStream subjects and
// publishes delivery results back to NATS.
package nats

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventHandler decides whether an event may be committed.
type EventHandler interface {
	OnEvent(ctx context.Context, event domain.Event) (notifications.Outcome, error)
}

// Config contains JetStream source settings.
type Config struct {
	URL            string
	Stream         string
	SubjectPrefix  string
	Partitions     int
	ConsumerPrefix string
	FetchWait      time.Duration
	NakDelay       time.Duration
	// AckWait is how long the server waits for a settle or an in-progress
	// signal before redelivering a fetched event.
	AckWait        time.Duration
	ConnectTimeout time.Duration
}

// Consumer runs one durable pull consumer per partition. Each consumer has
// at most one unacknowledged message, so events of a partition are handled
// in order and never concurrently.
type Consumer struct {
	config      Config
	nc          *nats.Conn
	js          jetstream.JetStream
	handler     EventHandler
	deadLetters notifications.DeadLetterStore

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect opens a NATS connection for the source.
func Connect(cfg Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("agentic-notifier"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// NewConsumer creates the stream and per-partition durable consumers if they
// do not exist yet.
func NewConsumer(ctx context.Context, cfg Config, nc *nats.Conn, handler EventHandler, deadLetters notifications.DeadLetterStore) (*Consumer, error) {
	if cfg.Partitions < 1 {
		return nil, errors.New("nats source: partitions must be at least 1")
	}
	if cfg.ConsumerPrefix == "" {
		cfg.ConsumerPrefix = "notifier"
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &Consumer{
		config:      cfg,
		nc:          nc,
		js:          js,
		handler:     handler,
		deadLetters: deadLetters,
	}, nil
}

// PartitionSubject returns the subject of partition p.
func PartitionSubject(prefix string, p int) string {
	return prefix + "." + strconv.Itoa(p)
}

// PartitionFor maps an event id to one of n partitions.
func PartitionFor(eventID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(eventID))
	return int(h.Sum32() % uint32(n))
}

// Start creates the partition consumers and starts fetching.
func (c *Consumer) Start(ctx context.Context) error {
	consumers := make([]jetstream.Consumer, 0, c.config.Partitions)
	for p := 0; p < c.config.Partitions; p++ {
		cons, err := c.js.CreateOrUpdateConsumer(ctx, c.config.Stream, jetstream.ConsumerConfig{
			Durable:       c.config.ConsumerPrefix + "-" + strconv.Itoa(p),
			FilterSubject: PartitionSubject(c.config.SubjectPrefix, p),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       c.config.AckWait,
			MaxAckPending: 1,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("ensure consumer for partition %d: %w", p, err)
		}
		consumers = append(consumers, cons)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for p, cons := range consumers {
		c.wg.Add(1)
		go c.run(ctx, p, cons)
	}

	slog.Info("event source started",
		"stream", c.config.Stream,
		"subject_prefix", c.config.SubjectPrefix,
		"partitions", c.config.Partitions,
	)
	return nil
}

// Stop stops fetching and waits for in-flight events to be settled.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	slog.Info("event source stopped")
}

func (c *Consumer) run(ctx context.Context, partition int, cons jetstream.Consumer) {
	defer c.wg.Done()

	logger := slog.With("partition", partition)
	ctx = ctxlog.WithLogger(ctx, logger)

	for ctx.Err() == nil {
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(c.config.FetchWait))
		if err != nil {
			logger.Warn("fetch failed", "error", err)
			if !sleep(ctx, c.config.NakDelay) {
				return
			}
			continue
		}

		for msg := range batch.Messages() {
			c.handle(ctx, msg)
		}
		if err := batch.Error(); err != nil && !isIdle(err) {
			logger.Warn("fetch batch error", "error", err)
		}
	}
}

func isIdle(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) || errors.Is(err, jetstream.ErrNoMessages)
}

// message is the subset of jetstream.Msg the consumer settles.
type message interface {
	Data() []byte
	Subject() string
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	InProgress() error
	Term() error
}

func (c *Consumer) handle(ctx context.Context, msg message) {
	logger := ctxlog.FromContext(ctx)

	event, err := domain.DecodeEvent(msg.Data())
	if err != nil {
		c.poison(ctx, msg, event.ID, err)
		return
	}

	stop := c.keepAlive(ctx, msg, event.ID)
	outcome, err := c.handler.OnEvent(ctx, event)
	stop()

	switch {
	case outcome == notifications.Ack && err != nil:
		c.poison(ctx, msg, event.ID, err)
	case outcome == notifications.Ack:
		if err := msg.Ack(); err != nil {
			logger.Error("ack failed", "event_id", event.ID, "error", err)
		}
		recordMessage("ack")
	default:
		if err != nil {
			logger.Warn("event not committed", "event_id", event.ID, "error", err)
		}
		if err := msg.NakWithDelay(c.config.NakDelay); err != nil {
			logger.Error("nak failed", "event_id", event.ID, "error", err)
		}
		recordMessage("nak")
	}
}

// keepAlive tells the server the message is still being worked on every
// third of AckWait, so an event blocked on a full delivery queue is not
// redelivered to another fetch. The returned func stops the signals.
func (c *Consumer) keepAlive(ctx context.Context, msg message, eventID string) func() {
	interval := c.config.AckWait / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					ctxlog.FromContext(ctx).Warn("in-progress signal failed", "event_id", eventID, "error", err)
					continue
				}
				recordMessage("in_progress")
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// poison records an undeliverable message as a dead letter and terminates
// it so the stream never redelivers it.
func (c *Consumer) poison(ctx context.Context, msg message, eventID string, cause error) {
	logger := ctxlog.FromContext(ctx)

	if eventID == "" {
		eventID = messageRef(msg)
	}

	dl := &domain.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     eventID,
		Payload:     domain.Payload{"subject": msg.Subject(), "raw": truncate(string(msg.Data()), 1024)},
		FailureType: domain.FailureMalformed,
		Reason:      cause.Error(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.deadLetters.RecordDeadLetter(context.WithoutCancel(ctx), dl); err != nil {
		// Leave the message for redelivery rather than lose it.
		logger.Error("record malformed event failed", "event_id", eventID, "error", err)
		_ = msg.NakWithDelay(c.config.NakDelay)
		recordMessage("nak")
		return
	}

	logger.Warn("malformed event terminated", "event_id", eventID, "error", cause)
	if err := msg.Term(); err != nil {
		logger.Error("term failed", "event_id", eventID, "error", err)
	}
	recordMessage("term")
}

func messageRef(msg message) string {
	meta, err := msg.Metadata()
	if err != nil {
		return msg.Subject()
	}
	return meta.Stream + ":" + strconv.FormatUint(meta.Sequence.Stream, 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
