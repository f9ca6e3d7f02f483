package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowKeyOf(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC() // 2023-11-14T22:13:20Z
	key := WindowKeyOf("BTCUSDT", ts, time.Minute)

	assert.Equal(t, "BTCUSDT", key.Symbol)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 13, 0, 0, time.UTC), key.Start)
	assert.Equal(t, time.Date(2023, 11, 14, 22, 14, 0, 0, time.UTC), key.End)
}

func TestWindowKeyOfBoundary(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	assert.Equal(t, start, WindowKeyOf("ETHUSDT", start, time.Minute).Start)
	assert.Equal(t, start, WindowKeyOf("ETHUSDT", start.Add(time.Minute-time.Millisecond), time.Minute).Start)
	assert.Equal(t, start.Add(time.Minute), WindowKeyOf("ETHUSDT", start.Add(time.Minute), time.Minute).Start)
}

func TestWindowKeyOfEpochAligned(t *testing.T) {
	tests := []struct {
		name      string
		eventMs   int64
		size      time.Duration
		wantStart int64
	}{
		{"7s window at its start", 7000, 7 * time.Second, 7000},
		{"7s window mid bucket", 13999, 7 * time.Second, 7000},
		{"7s window large event time", 1700000000000, 7 * time.Second, 1699999994000},
		{"90s window", 1700000000000, 90 * time.Second, 1699999920000},
		{"before epoch", -1, 7 * time.Second, -7000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := WindowKeyOf("BTCUSDT", time.UnixMilli(tt.eventMs), tt.size)
			assert.Equal(t, tt.wantStart, key.Start.UnixMilli())
			assert.Equal(t, tt.wantStart+tt.size.Milliseconds(), key.End.UnixMilli())
			assert.Equal(t, time.UTC, key.Start.Location())
		})
	}
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	a := WindowKeyOf("BTCUSDT", ts, time.Minute)
	b := WindowKeyOf("BTCUSDT", ts.Add(10*time.Second), time.Minute)
	c := WindowKeyOf("ETHUSDT", ts, time.Minute)
	d := WindowKeyOf("BTCUSDT", ts.Add(time.Minute), time.Minute)

	require.Len(t, a.IdempotencyKey(), idempotencyKeyLen)
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), d.IdempotencyKey())
}

func TestTickerRecordEventTime(t *testing.T) {
	r := TickerRecord{Symbol: "BTCUSDT", EventTimeMillis: 1700000000123}
	got := r.EventTime()
	assert.Equal(t, time.UTC, got.Location())
	assert.Equal(t, int64(1700000000123), got.UnixMilli())
}
