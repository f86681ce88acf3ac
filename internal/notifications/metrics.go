package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agenticnotifier"

var (
	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "events_total",
			Help:      "Events handled by the coordinator by outcome",
		},
		[]string{"outcome"},
	)

	intentsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "intents_enqueued_total",
			Help:      "Notification intents reserved and enqueued for delivery",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Number of intents waiting in the delivery queue",
		},
	)

	busyWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "busy_workers",
			Help:      "Number of workers currently delivering an intent",
		},
	)

	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Delivery attempts by transport and outcome",
		},
		[]string{"transport", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send notification",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"transport"},
	)

	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dead_letters_total",
			Help:      "Intents moved to the dead-letter store by failure type",
		},
		[]string{"failure_type"},
	)

	deadLettersStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dead_letters_stored",
			Help:      "Number of dead letters currently stored in the ledger",
		},
	)

	staleIntents = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "stale_intents_total",
			Help:      "Dequeued intents skipped because their reservation was settled or re-issued",
		},
	)

	reservationsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "reclaimed_total",
			Help:      "Expired reservations re-leased and re-enqueued",
		},
	)

	entriesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "purged_total",
			Help:      "Terminal ledger entries removed by retention",
		},
	)
)

func recordEvent(outcome string) {
	eventsConsumed.WithLabelValues(outcome).Inc()
}

func recordIntentsEnqueued(count int) {
	intentsEnqueued.Add(float64(count))
}

func recordStaleIntent() {
	staleIntents.Inc()
}

func recordQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

func recordBusyWorkers(busy int64) {
	busyWorkers.Set(float64(busy))
}

// recordNotificationSent records a delivery attempt outcome.
func recordNotificationSent(transport, status string) {
	notificationsSent.WithLabelValues(transport, status).Inc()
}

// recordNotificationDuration records notification send duration.
func recordNotificationDuration(transport string, duration time.Duration) {
	notificationSendDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func recordDeadLetter(failureType string) {
	deadLetters.WithLabelValues(failureType).Inc()
}

// RecordDeadLetterCount updates the stored dead-letter gauge.
func RecordDeadLetterCount(count int64) {
	deadLettersStored.Set(float64(count))
}
