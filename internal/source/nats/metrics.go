package nats

import (
	"github.com/bissquit/agentic-notifier/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesSettled = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "source",
		Name:      "messages_total",
		Help:      "Stream message signals sent by the event source by action (ack, nak, term, in_progress)",
	},
	[]string{"action"},
)

func recordMessage(action string) {
	messagesSettled.WithLabelValues(action).Inc()
}
