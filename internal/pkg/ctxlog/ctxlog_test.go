package ctxlog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestFromContext_Default(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))
}

func TestFromContext_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	FromContext(WithLogger(context.Background(), logger)).Info("hello", "event_id", "evt-1")

	assert.Contains(t, buf.String(), `"event_id":"evt-1"`)
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestFromContext_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(WithLogger(context.Background(), logger), sc)

	FromContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"trace_id":"01000000000000000000000000000000"`)
	assert.Contains(t, buf.String(), `"span_id":"0200000000000000"`)
}
