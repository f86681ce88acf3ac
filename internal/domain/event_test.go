package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "valid event",
			data: `{"id":"evt-1","subject":"task.failed","payload":{"task":"build-42","retries":3,"ok":false,"note":null}}`,
		},
		{
			name:    "missing id",
			data:    `{"subject":"task.failed"}`,
			wantErr: ErrEventIDRequired,
		},
		{
			name:    "missing subject",
			data:    `{"id":"evt-1"}`,
			wantErr: ErrEventSubjectRequired,
		},
		{
			name:    "nested payload",
			data:    `{"id":"evt-1","subject":"task.failed","payload":{"task":{"name":"x"}}}`,
			wantErr: ErrPayloadNotScalar,
		},
		{
			name:    "array payload",
			data:    `{"id":"evt-1","subject":"task.failed","payload":{"tags":["a"]}}`,
			wantErr: ErrPayloadNotScalar,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, err := DecodeEvent([]byte(tt.data))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "evt-1", event.ID)
			assert.Equal(t, "build-42", event.Payload["task"])
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "decode event")
	})
}

func TestPayload_Clone(t *testing.T) {
	original := Payload{"task": "build-42"}
	clone := original.Clone()
	clone["task"] = "changed"

	assert.Equal(t, "build-42", original["task"])
	assert.NotNil(t, Payload(nil).Clone())
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name       string
		recipients []RecipientState
		expected   LedgerStatus
	}{
		{"no recipients", nil, LedgerDelivered},
		{"all delivered", []RecipientState{{Status: LedgerDelivered}, {Status: LedgerDelivered}}, LedgerDelivered},
		{"one failed", []RecipientState{{Status: LedgerDelivered}, {Status: LedgerFailed}}, LedgerFailed},
		{"pending wins", []RecipientState{{Status: LedgerFailed}, {Status: LedgerPending}}, LedgerPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(tt.recipients))
		})
	}
}

func TestLedgerEntry_Delivered(t *testing.T) {
	entry := LedgerEntry{Recipients: []RecipientState{
		{Recipient: "a@x.com", Status: LedgerDelivered},
		{Recipient: "b@x.com", Status: LedgerPending},
	}}

	assert.Equal(t, []string{"a@x.com"}, entry.Delivered())
	assert.True(t, LedgerFailed.IsTerminal())
	assert.False(t, LedgerPending.IsTerminal())
}
