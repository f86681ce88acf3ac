package notifications

import (
	"errors"
	"fmt"
)

// Ledger errors.
var (
	// ErrLedgerUnavailable wraps every storage failure of a Ledger.
	// The coordinator treats it as fail-closed and never acks.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrEntryNotFound     = errors.New("ledger entry not found")
)

// Rendering errors. Both are permanent.
var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrRenderFailed     = errors.New("render failed")
)

// Queue errors.
var (
	ErrQueueClosed = errors.New("delivery queue closed")
	ErrQueueFull   = errors.New("delivery queue full")
)

// LedgerError marks err as a ledger availability failure.
func LedgerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, op, err)
}

// DeliveryError wraps a transport error and marks it as transient or permanent.
type DeliveryError struct {
	Err       error
	Transient bool
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is transient.
func (e *DeliveryError) IsRetryable() bool {
	return e.Transient
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewTransientError marks err as transient: timeouts, refused connections,
// rate limiting and SMTP 4xx replies.
func NewTransientError(err error) *DeliveryError {
	return &DeliveryError{Err: err, Transient: true}
}

// NewPermanentError marks err as permanent: invalid recipients, rendering
// failures and SMTP 5xx replies.
func NewPermanentError(err error) *DeliveryError {
	return &DeliveryError{Err: err, Transient: false}
}

// IsTransient checks if a delivery error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, ErrTemplateNotFound) || errors.Is(err, ErrRenderFailed) {
		return false
	}

	// Default: retry unknown errors
	return true
}
