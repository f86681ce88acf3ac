package notifications

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerConfig_Backoff(t *testing.T) {
	config := WorkerConfig{
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}

	tests := []struct {
		name            string
		attempt         int
		expectedBackoff time.Duration
	}{
		{"first retry", 1, 1 * time.Second},
		{"second retry", 2, 2 * time.Second},
		{"third retry", 3, 4 * time.Second},
		{"fourth retry", 4, 8 * time.Second},
		{"fifth retry", 5, 16 * time.Second},
		{"capped", 100, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expectedBackoff, config.Backoff(tt.attempt))
		})
	}
}

func TestPool_NextBackoffJitter(t *testing.T) {
	p := &Pool{config: WorkerConfig{
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.5,
	}}

	for i := 0; i < 100; i++ {
		d := p.nextBackoff(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}

	p.config.Jitter = 0
	assert.Equal(t, 2*time.Second, p.nextBackoff(2))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "transient error",
			err:      NewTransientError(errors.New("421 service not available")),
			expected: true,
		},
		{
			name:     "permanent error",
			err:      NewPermanentError(errors.New("550 mailbox unavailable")),
			expected: false,
		},
		{
			name:     "wrapped permanent error",
			err:      fmt.Errorf("send: %w", NewPermanentError(errors.New("550"))),
			expected: false,
		},
		{
			name:     "render error",
			err:      fmt.Errorf("%w: missing key", ErrRenderFailed),
			expected: false,
		},
		{
			name:     "unknown error defaults to transient",
			err:      errors.New("connection reset"),
			expected: true,
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			expected: true,
		},
		{
			name:     "nil",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestLedgerError(t *testing.T) {
	err := LedgerError("reserve", errors.New("connection refused"))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Contains(t, err.Error(), "reserve")
	assert.Contains(t, err.Error(), "connection refused")
}
