package domain

import "time"

// DecisionOutcome is what the coordinator did with an event.
type DecisionOutcome string

// Decision outcomes.
const (
	DecisionUnmatched  DecisionOutcome = "unmatched"
	DecisionDispatched DecisionOutcome = "dispatched"
	DecisionDeferred   DecisionOutcome = "deferred"
	DecisionRejected   DecisionOutcome = "rejected"
)

// DispatchDecision records how one delivery of an event was routed. It is
// published for audit; redeliveries of the same event yield new decisions.
type DispatchDecision struct {
	DecisionID   string          `json:"decision_id"`
	EventID      string          `json:"event_id"`
	Subject      string          `json:"subject"`
	RulesVersion uint64          `json:"rules_version"`
	MatchedRules []string        `json:"matched_rules"`
	Reserved     []string        `json:"reserved"`
	InFlight     []string        `json:"in_flight"`
	Done         []string        `json:"done"`
	Outcome      DecisionOutcome `json:"outcome"`
	Reason       string          `json:"reason,omitempty"`
	DecidedAt    time.Time       `json:"decided_at"`
}
