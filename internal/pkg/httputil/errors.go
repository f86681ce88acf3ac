package httputil

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/agentic-notifier/internal/pkg/ctxlog"
)

// ErrorMapping defines how a domain error maps to an HTTP response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // if empty, uses err.Error()
	// RetryAfter, when set, is sent as a Retry-After hint.
	RetryAfter time.Duration
}

// HandleError maps err to a response using the first matching mapping.
// Unmapped errors are logged and answered with 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Error) {
			continue
		}
		msg := m.Message
		if msg == "" {
			msg = err.Error()
		}
		if m.Status >= http.StatusInternalServerError {
			ctxlog.FromContext(ctx).Warn("request failed", "status", m.Status, "error", err)
		}
		setRetryAfter(w, m.RetryAfter)
		Error(w, m.Status, msg)
		return
	}
	ctxlog.FromContext(ctx).Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}

// RetryLater writes 503 with a Retry-After hint.
func RetryLater(w http.ResponseWriter, after time.Duration, message string) {
	setRetryAfter(w, after)
	Error(w, http.StatusServiceUnavailable, message)
}

func setRetryAfter(w http.ResponseWriter, after time.Duration) {
	if after <= 0 {
		return
	}
	secs := int((after + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}
