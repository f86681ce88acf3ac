package domain

import "time"

// NotificationIntent is a resolved (event, recipient) pair ready for delivery.
type NotificationIntent struct {
	EventID         string    `json:"event_id"`
	Subject         string    `json:"subject"`
	Recipient       string    `json:"recipient"`
	TemplateID      string    `json:"template_id"`
	RenderedPayload Payload   `json:"payload"`
	Attempt         int       `json:"attempt"`
	OccurredAt      time.Time `json:"occurred_at"`

	// LeaseToken identifies the ledger reservation this copy of the intent
	// was issued under. A copy whose token no longer matches must not be sent.
	LeaseToken string `json:"lease_token,omitempty"`
}

// Recipients returns the recipients of the given intents, preserving order.
func Recipients(intents []NotificationIntent) []string {
	out := make([]string, len(intents))
	for i, in := range intents {
		out[i] = in.Recipient
	}
	return out
}
