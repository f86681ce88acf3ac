package email

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

func TestNewTransport_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "enabled without smtp host",
			config: Config{
				Enabled:     true,
				FromAddress: "test@example.com",
			},
			wantErr: "SMTP host is required",
		},
		{
			name: "enabled without from address",
			config: Config{
				Enabled:  true,
				SMTPHost: "smtp.example.com",
			},
			wantErr: "from address is required",
		},
		{
			name: "enabled with malformed from address",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "not an address",
			},
			wantErr: "invalid from address",
		},
		{
			name: "disabled - no validation",
			config: Config{
				Enabled: false,
			},
			wantErr: "",
		},
		{
			name: "valid config",
			config: Config{
				Enabled:     true,
				SMTPHost:    "smtp.example.com",
				FromAddress: "Notifier <noreply@example.com>",
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport, err := NewTransport(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, transport)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, transport)
			}
		})
	}
}

func TestNewTransport_Defaults(t *testing.T) {
	transport, err := NewTransport(Config{
		Enabled:     true,
		SMTPHost:    "smtp.example.com",
		FromAddress: "test@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, 587, transport.config.SMTPPort)
	assert.Equal(t, 30*time.Second, transport.config.Timeout)
	assert.Equal(t, 1, transport.config.Burst)
	assert.Equal(t, "email", transport.Name())
}

func TestTLSPolicy(t *testing.T) {
	assert.Equal(t, mail.TLSMandatory, tlsPolicy("mandatory"))
	assert.Equal(t, mail.TLSOpportunistic, tlsPolicy("opportunistic"))
	assert.Equal(t, mail.NoTLS, tlsPolicy("none"))
	assert.Equal(t, mail.TLSOpportunistic, tlsPolicy(""))
}

func TestTransport_SendDisabled(t *testing.T) {
	transport, err := NewTransport(Config{Enabled: false})
	require.NoError(t, err)

	err = transport.Send(context.Background(), notifications.Message{To: "ops@example.com", Subject: "s", Body: "b"})
	assert.NoError(t, err)
}

func TestTransport_SendInvalidRecipient(t *testing.T) {
	transport, err := NewTransport(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		FromAddress: "noreply@example.com",
	})
	require.NoError(t, err)

	err = transport.Send(context.Background(), notifications.Message{To: "not an address", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.False(t, notifications.IsTransient(err))
}

func TestTransport_SendConnectionRefused(t *testing.T) {
	// Grab a free port and close it so the dial is refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	transport, err := NewTransport(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		SMTPPort:    port,
		FromAddress: "noreply@example.com",
		TLSPolicy:   "none",
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)

	err = transport.Send(context.Background(), notifications.Message{To: "ops@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.True(t, notifications.IsTransient(err))
}

func TestTransport_RateLimitCancelled(t *testing.T) {
	transport, err := NewTransport(Config{
		Enabled:     true,
		SMTPHost:    "127.0.0.1",
		FromAddress: "noreply@example.com",
		RateLimit:   0.001,
		Burst:       1,
	})
	require.NoError(t, err)

	// Drain the single burst token.
	require.True(t, transport.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = transport.Send(ctx, notifications.Message{To: "ops@example.com", Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.True(t, notifications.IsTransient(err))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "421 service unavailable",
			err:       errors.New("421 Service not available"),
			retryable: true,
		},
		{
			name:      "450 mailbox unavailable",
			err:       errors.New("450 Mailbox unavailable"),
			retryable: true,
		},
		{
			name:      "451 local error",
			err:       errors.New("451 Local error in processing"),
			retryable: true,
		},
		{
			name:      "452 insufficient storage",
			err:       errors.New("452 Insufficient storage"),
			retryable: true,
		},
		{
			name:      "550 mailbox not found",
			err:       errors.New("550 Mailbox not found"),
			retryable: false,
		},
		{
			name:      "535 auth failed",
			err:       errors.New("535 Authentication failed"),
			retryable: false,
		},
		{
			name:      "generic error",
			err:       errors.New("some random error"),
			retryable: false,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "timeout error",
			err:       &timeoutError{},
			retryable: true,
		},
		{
			name:      "network operation error",
			err:       &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.retryable, notifications.IsTransient(classify(tt.err)) && tt.err != nil)
		})
	}
}

// timeoutError implements net.Error for testing
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }
