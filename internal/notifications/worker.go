package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/bissquit/agentic-notifier/internal/notifications"

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	NumWorkers        int
	SendTimeout       time.Duration
	ShutdownGrace     time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter is the fraction of each backoff that is randomized, in [0, 1].
	Jitter float64
	// Lease is renewed on the reservation right before each send.
	Lease time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		NumWorkers:        5,
		SendTimeout:       30 * time.Second,
		ShutdownGrace:     30 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		Lease:             15 * time.Minute,
	}
}

// Backoff returns the delay before retrying after the given attempt:
// initial * multiplier^(attempt-1), capped at MaxBackoff, without jitter.
func (c WorkerConfig) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.BackoffMultiplier
		if backoff > float64(c.MaxBackoff) {
			break
		}
	}

	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}

	return time.Duration(backoff)
}

// Pool is a fixed set of workers delivering intents from the queue.
type Pool struct {
	config    WorkerConfig
	queue     *Queue
	ledger    Ledger
	transport Transport
	renderer  *Renderer
	publisher ResultPublisher
	tracer    trace.Tracer

	busy    atomic.Int64
	started atomic.Bool

	cancel      context.CancelFunc
	retryCtx    context.Context
	cancelRetry context.CancelFunc
	wg          sync.WaitGroup
}

// NewPool creates a worker pool. A nil publisher discards results.
func NewPool(config WorkerConfig, queue *Queue, ledger Ledger, transport Transport, renderer *Renderer, publisher ResultPublisher) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Lease <= 0 {
		config.Lease = DefaultWorkerConfig().Lease
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}

	return &Pool{
		config:    config,
		queue:     queue,
		ledger:    ledger,
		transport: transport,
		renderer:  renderer,
		publisher: publisher,
		tracer:    otel.Tracer(tracerName),
	}
}

// Start launches worker goroutines. Workers run until Shutdown.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	slog.Info("starting notification workers",
		"workers", p.config.NumWorkers,
		"queue_capacity", p.queue.Cap(),
		"max_attempts", p.config.MaxAttempts,
	)

	base := context.WithoutCancel(ctx)
	var workCtx context.Context
	workCtx, p.cancel = context.WithCancel(base)
	p.retryCtx, p.cancelRetry = context.WithCancel(base)

	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run(workCtx, i)
	}
}

// Shutdown drains the pool: it waits until the queue is empty and no retry
// is pending, or until the grace period or ctx ends, then cancels in-flight
// sends. Intents left undelivered stay reserved in the ledger and are
// reclaimed after their lease expires.
func (p *Pool) Shutdown(ctx context.Context) {
	if !p.started.Load() {
		return
	}

	grace := time.NewTimer(p.config.ShutdownGrace)
	defer grace.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for !p.idle() {
		select {
		case <-ticker.C:
		case <-grace.C:
			slog.Warn("shutdown grace period elapsed",
				"queued", p.queue.Len(),
				"retries", p.queue.Scheduled(),
				"busy", p.Busy(),
			)
			break drain
		case <-ctx.Done():
			break drain
		}
	}

	p.queue.Close()
	p.cancelRetry()
	p.cancel()
	p.wg.Wait()
	p.queue.WaitScheduled()

	slog.Info("notification workers stopped")
}

func (p *Pool) idle() bool {
	return p.queue.Len() == 0 && p.queue.Scheduled() == 0 && p.busy.Load() == 0
}

// Workers returns the configured number of workers.
func (p *Pool) Workers() int {
	return p.config.NumWorkers
}

// Busy returns the number of workers currently delivering an intent.
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()

	for {
		intent, err := p.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		p.deliver(ctx, workerID, intent)
	}
}

func (p *Pool) deliver(ctx context.Context, workerID int, intent domain.NotificationIntent) {
	recordBusyWorkers(p.busy.Add(1))
	defer func() { recordBusyWorkers(p.busy.Add(-1)) }()

	attempt := intent.Attempt + 1

	ctx, span := p.tracer.Start(ctx, "Pool.deliver", trace.WithAttributes(
		attribute.String("event.id", intent.EventID),
		attribute.String("notification.recipient", intent.Recipient),
		attribute.String("notification.template", intent.TemplateID),
		attribute.Int("notification.attempt", attempt),
	))
	defer span.End()

	logger := ctxlog.FromContext(ctx).With(
		"worker", workerID,
		"event_id", intent.EventID,
		"recipient", intent.Recipient,
		"attempt", attempt,
	)

	if !p.claim(ctx, logger, intent) {
		span.SetAttributes(attribute.Bool("notification.skipped", true))
		return
	}

	msg, err := p.renderer.Render(intent)
	if err != nil {
		span.SetStatus(codes.Error, "render failed")
		logger.Error("failed to render", "template", intent.TemplateID, "error", err)
		p.deadLetter(ctx, logger, intent, intent.Attempt, domain.FailureRender, err)
		return
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	err = p.transport.Send(sendCtx, msg)
	cancel()
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		p.handleSendError(ctx, logger, intent, attempt, err)
		return
	}

	// The send happened; record it even if shutdown cancelled ctx meanwhile.
	if err := p.ledger.MarkDelivered(context.WithoutCancel(ctx), intent.EventID, intent.Recipient); err != nil {
		logger.Error("failed to mark as delivered", "error", err)
	}

	recordNotificationSent(p.transport.Name(), "success")
	recordNotificationDuration(p.transport.Name(), duration)

	p.publish(ctx, logger, intent, attempt, domain.LedgerDelivered, "delivered")

	logger.Debug("notification sent", "duration", duration)
}

// claim renews the reservation the intent was issued under. It reports false
// when this copy must not be sent: the pair is settled, or it was reserved
// again under another token while this copy waited in the queue.
func (p *Pool) claim(ctx context.Context, logger *slog.Logger, intent domain.NotificationIntent) bool {
	ok, err := p.ledger.Renew(ctx, intent.EventID, intent.Recipient, intent.LeaseToken, p.config.Lease)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		delay := p.nextBackoff(max(intent.Attempt, 1))
		p.queue.EnqueueAfter(p.retryCtx, intent, delay, p.dropRetry)
		logger.Warn("failed to renew reservation, retrying", "delay", delay, "error", err)
		return false
	}
	if !ok {
		recordStaleIntent()
		logger.Info("skipping intent, reservation no longer held")
	}
	return ok
}

func (p *Pool) handleSendError(ctx context.Context, logger *slog.Logger, intent domain.NotificationIntent, attempt int, err error) {
	logger.Warn("send failed",
		"max_attempts", p.config.MaxAttempts,
		"error", err,
	)

	if ctx.Err() != nil {
		// Shutting down; the reservation is reclaimed after its lease expires.
		return
	}

	if !IsTransient(err) {
		recordNotificationSent(p.transport.Name(), "failed")
		p.deadLetter(ctx, logger, intent, attempt, domain.FailurePermanent, err)
		return
	}

	if attempt >= p.config.MaxAttempts {
		recordNotificationSent(p.transport.Name(), "failed")
		p.deadLetter(ctx, logger, intent, attempt, domain.FailureExhausted,
			fmt.Errorf("max attempts exceeded: %w", err))
		return
	}

	delay := p.nextBackoff(attempt)
	intent.Attempt = attempt
	p.queue.EnqueueAfter(p.retryCtx, intent, delay, p.dropRetry)
	recordNotificationSent(p.transport.Name(), "retry")

	logger.Info("notification scheduled for retry", "delay", delay)
}

func (p *Pool) nextBackoff(attempt int) time.Duration {
	backoff := p.config.Backoff(attempt)
	if p.config.Jitter <= 0 {
		return backoff
	}

	jitter := p.config.Jitter
	if jitter > 1 {
		jitter = 1
	}
	spread := float64(backoff) * jitter
	return time.Duration(float64(backoff) - spread + spread*rand.Float64())
}

func (p *Pool) dropRetry(intent domain.NotificationIntent, err error) {
	slog.Warn("retry dropped, reservation left for reclaim",
		"event_id", intent.EventID,
		"recipient", intent.Recipient,
		"attempt", intent.Attempt,
		"error", err,
	)
}

func (p *Pool) deadLetter(ctx context.Context, logger *slog.Logger, intent domain.NotificationIntent, attempts int, failure domain.FailureType, cause error) {
	reason := cause.Error()
	ctx = context.WithoutCancel(ctx)

	dl := &domain.DeadLetter{
		ID:          uuid.NewString(),
		EventID:     intent.EventID,
		Recipient:   intent.Recipient,
		TemplateID:  intent.TemplateID,
		Payload:     intent.RenderedPayload,
		Attempts:    attempts,
		FailureType: failure,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.ledger.RecordDeadLetter(ctx, dl); err != nil {
		logger.Error("failed to record dead letter", "error", err)
	}

	if err := p.ledger.MarkFailed(ctx, intent.EventID, intent.Recipient, reason); err != nil {
		logger.Error("failed to mark as failed", "error", err)
	}

	recordDeadLetter(string(failure))
	p.publish(ctx, logger, intent, attempts, domain.LedgerFailed, reason)

	logger.Warn("notification dead-lettered", "failure_type", failure, "reason", reason)
}

func (p *Pool) publish(ctx context.Context, logger *slog.Logger, intent domain.NotificationIntent, attempts int, status domain.LedgerStatus, message string) {
	result := domain.DeliveryResult{
		ResultID:   uuid.NewString(),
		EventID:    intent.EventID,
		Recipient:  intent.Recipient,
		TemplateID: intent.TemplateID,
		Status:     status,
		Attempts:   attempts,
		Message:    message,
		ExecutedAt: time.Now().UTC(),
	}
	if err := p.publisher.PublishResult(ctx, result); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to publish delivery result", "error", err)
	}
}
