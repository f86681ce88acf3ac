// Package email delivers rendered notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/bissquit/agentic-notifier/internal/notifications"
	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"
)

// Config holds SMTP transport configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// TLSPolicy is one of mandatory, opportunistic or none.
	TLSPolicy string
	Timeout   time.Duration
	// RateLimit caps messages per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Transport implements notifications.Transport over SMTP.
type Transport struct {
	config  Config
	limiter *rate.Limiter
}

var _ notifications.Transport = (*Transport)(nil)

// NewTransport creates a new SMTP transport.
// Returns error if enabled but required config is missing.
func NewTransport(config Config) (*Transport, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email transport: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email transport: from address is required when enabled")
		}
		if err := mail.NewMsg().From(config.FromAddress); err != nil {
			return nil, fmt.Errorf("email transport: invalid from address: %w", err)
		}
	}

	// Set defaults
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	slog.Info("email transport configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"tls_policy", config.TLSPolicy,
		"rate_limit", config.RateLimit,
	)

	return &Transport{
		config:  config,
		limiter: rate.NewLimiter(limit, config.Burst),
	}, nil
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "email"
}

// Send delivers msg to its single recipient. Returned errors are classified
// with notifications.NewTransientError or notifications.NewPermanentError.
func (t *Transport) Send(ctx context.Context, msg notifications.Message) error {
	if !t.config.Enabled {
		slog.Warn("email transport disabled, skipping send", "recipient", msg.To)
		return nil
	}

	m := mail.NewMsg()
	if err := m.From(t.config.FromAddress); err != nil {
		return notifications.NewPermanentError(fmt.Errorf("invalid from address: %w", err))
	}
	if err := m.To(msg.To); err != nil {
		return notifications.NewPermanentError(fmt.Errorf("invalid recipient %q: %w", msg.To, err))
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := t.limiter.Wait(ctx); err != nil {
		return notifications.NewTransientError(fmt.Errorf("rate limit wait: %w", err))
	}

	client, err := mail.NewClient(t.config.SMTPHost, t.clientOptions()...)
	if err != nil {
		return notifications.NewPermanentError(fmt.Errorf("create mail client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return classify(err)
	}
	return nil
}

func (t *Transport) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(t.config.SMTPPort),
		mail.WithTLSPolicy(tlsPolicy(t.config.TLSPolicy)),
		mail.WithTimeout(t.config.Timeout),
	}
	if t.config.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(t.config.SMTPUser),
			mail.WithPassword(t.config.SMTPPassword),
		)
	}
	return opts
}

func tlsPolicy(policy string) mail.TLSPolicy {
	switch policy {
	case "mandatory":
		return mail.TLSMandatory
	case "none":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}

func classify(err error) error {
	if IsRetryable(err) {
		return notifications.NewTransientError(err)
	}
	return notifications.NewPermanentError(err)
}

// IsRetryable determines if an SMTP delivery error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		if sendErr.IsTemp() {
			return true
		}
		if code := sendErr.ErrorCode(); code >= 500 {
			return false
		}
	}

	// Network timeout errors are retryable
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused is retryable
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures (retryable)
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	return false
}
