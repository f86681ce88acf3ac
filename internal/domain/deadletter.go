package domain

import "time"

// FailureType classifies why an intent was dead-lettered.
type FailureType string

// Failure types.
const (
	FailurePermanent FailureType = "permanent"
	FailureExhausted FailureType = "exhausted"
	FailureRender    FailureType = "render"
	FailureMalformed FailureType = "malformed"
)

// DeadLetter is a permanently undeliverable intent kept for manual inspection.
type DeadLetter struct {
	ID          string      `json:"id"`
	EventID     string      `json:"event_id"`
	Recipient   string      `json:"recipient"`
	TemplateID  string      `json:"template_id"`
	Payload     Payload     `json:"payload"`
	Attempts    int         `json:"attempts"`
	FailureType FailureType `json:"failure_type"`
	Reason      string      `json:"reason"`
	CreatedAt   time.Time   `json:"created_at"`
}

// DeliveryResult is published for every terminal delivery outcome.
type DeliveryResult struct {
	ResultID   string       `json:"result_id"`
	EventID    string       `json:"event_id"`
	Recipient  string       `json:"recipient"`
	TemplateID string       `json:"template_id"`
	Status     LedgerStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	Message    string       `json:"message"`
	ExecutedAt time.Time    `json:"executed_at"`
}
