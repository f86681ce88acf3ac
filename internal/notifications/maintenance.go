package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/agentic-notifier/internal/domain"
	"github.com/go-co-op/gocron/v2"
)

// MaintenanceConfig controls the periodic ledger jobs.
type MaintenanceConfig struct {
	// ReclaimInterval is how often expired reservations are re-enqueued.
	ReclaimInterval time.Duration
	// Lease is the reservation lifetime granted to reclaimed intents.
	Lease time.Duration
	// Retention is how long terminal ledger entries are kept. Zero disables purging.
	Retention     time.Duration
	PurgeInterval time.Duration
	StatsInterval time.Duration
}

// Maintenance runs the background ledger jobs: crash recovery of expired
// reservations, retention purge and gauge refresh.
type Maintenance struct {
	config    MaintenanceConfig
	ledger    Ledger
	queue     *Queue
	scheduler gocron.Scheduler
	now       func() time.Time
}

// NewMaintenance creates the scheduler and registers the jobs. Jobs start on Start.
func NewMaintenance(config MaintenanceConfig, ledger Ledger, queue *Queue) (*Maintenance, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	m := &Maintenance{
		config:    config,
		ledger:    ledger,
		queue:     queue,
		scheduler: scheduler,
		now:       time.Now,
	}

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(ctx context.Context) error
	}{
		{"reclaim-expired", config.ReclaimInterval, m.Reclaim},
		{"purge-ledger", config.PurgeInterval, m.Purge},
		{"refresh-stats", config.StatsInterval, m.RefreshStats},
	}

	for _, job := range jobs {
		if job.interval <= 0 {
			continue
		}
		run := job.run
		name := job.name
		_, err := scheduler.NewJob(
			gocron.DurationJob(job.interval),
			gocron.NewTask(func(ctx context.Context) {
				if err := run(ctx); err != nil {
					slog.Error("maintenance job failed", "job", name, "error", err)
				}
			}),
			gocron.WithName(name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = scheduler.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	return m, nil
}

// Start starts the scheduler.
func (m *Maintenance) Start() {
	m.scheduler.Start()
	slog.Info("maintenance jobs started",
		"reclaim_interval", m.config.ReclaimInterval,
		"purge_interval", m.config.PurgeInterval,
		"retention", m.config.Retention,
	)
}

// Shutdown stops the scheduler and waits for running jobs.
func (m *Maintenance) Shutdown() error {
	return m.scheduler.Shutdown()
}

// Reclaim re-enqueues intents whose reservation expired without a terminal
// state, e.g. after a crash between ack and delivery. It takes at most as
// many intents as the queue has free slots.
func (m *Maintenance) Reclaim(ctx context.Context) error {
	free := m.queue.Cap() - m.queue.Len()
	if free <= 0 {
		return nil
	}

	intents, err := m.ledger.ReclaimExpired(ctx, free, m.config.Lease)
	if err != nil {
		return err
	}

	enqueued := 0
	for i, intent := range intents {
		if err := m.queue.TryEnqueue(intent); err != nil {
			if errors.Is(err, ErrQueueFull) || errors.Is(err, ErrQueueClosed) {
				m.handBack(ctx, intents[i:])
				break
			}
			m.handBack(ctx, intents[i:])
			return err
		}
		enqueued++
	}

	if enqueued > 0 {
		reservationsReclaimed.Add(float64(enqueued))
		slog.Info("reclaimed expired reservations", "count", enqueued)
	}
	return nil
}

// handBack ends the fresh lease of reclaimed intents that did not fit in the
// queue, so the next run reclaims them instead of waiting a whole lease.
func (m *Maintenance) handBack(ctx context.Context, intents []domain.NotificationIntent) {
	ctx = context.WithoutCancel(ctx)
	for _, intent := range intents {
		if _, err := m.ledger.Renew(ctx, intent.EventID, intent.Recipient, intent.LeaseToken, 0); err != nil {
			slog.Warn("failed to hand back reclaimed intent",
				"event_id", intent.EventID,
				"recipient", intent.Recipient,
				"error", err,
			)
		}
	}
}

// Purge removes terminal ledger entries older than the retention period.
func (m *Maintenance) Purge(ctx context.Context) error {
	if m.config.Retention <= 0 {
		return nil
	}

	purged, err := m.ledger.Purge(ctx, m.now().Add(-m.config.Retention))
	if err != nil {
		return err
	}

	if purged > 0 {
		entriesPurged.Add(float64(purged))
		slog.Info("purged ledger entries", "count", purged)
	}
	return nil
}

// RefreshStats updates gauges that are not maintained inline.
func (m *Maintenance) RefreshStats(ctx context.Context) error {
	recordQueueDepth(m.queue.Len())

	count, err := m.ledger.CountDeadLetters(ctx)
	if err != nil {
		return err
	}
	RecordDeadLetterCount(count)
	return nil
}
