// Package domain contains the core types shared by the dispatch pipeline.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Event validation errors.
var (
	ErrEventIDRequired      = errors.New("event id is required")
	ErrEventSubjectRequired = errors.New("event subject is required")
	ErrPayloadNotScalar     = errors.New("payload values must be scalars")
)

// Event is an immutable record received from the message source.
type Event struct {
	ID         string    `json:"id" validate:"required,max=255"`
	Subject    string    `json:"subject" validate:"required,max=255"`
	Payload    Payload   `json:"payload"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks that the event carries an id, a subject and a scalar payload.
func (e Event) Validate() error {
	if e.ID == "" {
		return ErrEventIDRequired
	}
	if e.Subject == "" {
		return ErrEventSubjectRequired
	}
	return e.Payload.Validate()
}

// DecodeEvent parses the wire form of an event and validates it.
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Payload maps template variable names to scalar values
// (string, bool, number or null).
type Payload map[string]any

// Validate rejects nested objects and arrays.
func (p Payload) Validate() error {
	for k, v := range p {
		switch v.(type) {
		case nil, string, bool,
			float64, float32, int, int32, int64, uint, uint32, uint64,
			json.Number:
		default:
			return fmt.Errorf("%w: key %q has type %T", ErrPayloadNotScalar, k, v)
		}
	}
	return nil
}

// Clone returns a shallow copy. Values are scalars, so the copy is independent.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
