package rules

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ruleReloads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "agenticnotifier",
		Subsystem: "rules",
		Name:      "reloads_total",
		Help:      "Rule set reload attempts by result",
	},
	[]string{"result"},
)

func recordRuleReload(result string) {
	ruleReloads.WithLabelValues(result).Inc()
}
