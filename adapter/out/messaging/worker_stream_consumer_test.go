package messaging

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageData(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   string
		poison bool
	}{
		{"payload", map[string]any{"data": `{"scan_id":"x"}`}, `{"scan_id":"x"}`, false},
		{"missing", map[string]any{"other": "x"}, "", true},
		{"wrong type", map[string]any{"data": 42}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := messageData(redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.poison {
				assert.ErrorIs(t, err, ErrPoison)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestDeadLetterValues(t *testing.T) {
	at := time.Date(2026, 3, 15, 12, 0, 0, 0, time.FixedZone("ART", -3*3600))
	msg := redis.XMessage{ID: "17-0", Values: map[string]any{"data": "{}"}}

	values := deadLetterValues(StreamBillingScan, "billscan", "worker-1", msg, "max deliveries exceeded", at)

	assert.Equal(t, "billing:scan", values["original_stream"])
	assert.Equal(t, "17-0", values["original_id"])
	assert.Equal(t, "2026-03-15T15:00:00Z", values["failed_at"])
	assert.Equal(t, "max deliveries exceeded", values["reason"])
	assert.Equal(t, "{}", values["original_data"])
}
