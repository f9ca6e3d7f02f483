package bus

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/pkg/exception"
)

func tick(symbol string, ms int64) model.TickerRecord {
	return model.TickerRecord{Symbol: symbol, Price: float64(ms), High: float64(ms), Low: float64(ms), Volume: 1, EventTimeMillis: ms}
}

func pull(t *testing.T, ch Channel) (func() (Delivery, bool), func()) {
	t.Helper()
	next, stop := iter.Pull2(ch.Subscribe(t.Context()))
	return func() (Delivery, bool) {
		d, err, ok := next()
		require.NoError(t, err)
		return d, ok
	}, stop
}

func TestMemoryPublishBlocksUntilDrained(t *testing.T) {
	ch := NewMemory(MemoryConfig{Capacity: 2}, nil)
	require.NoError(t, ch.Publish(t.Context(), tick("BTCUSDT", 1)))
	require.NoError(t, ch.Publish(t.Context(), tick("BTCUSDT", 2)))

	published := make(chan error, 1)
	go func() {
		published <- ch.Publish(context.Background(), tick("BTCUSDT", 3))
	}()

	select {
	case err := <-published:
		t.Fatalf("publish on a full channel returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	next, stop := pull(t, ch)
	defer stop()

	d, ok := next()
	require.True(t, ok)
	require.NoError(t, d.Ack())

	select {
	case err := <-published:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after the channel drained")
	}

	require.NoError(t, ch.Close())
	got := []int64{d.Record.EventTimeMillis}
	for {
		d, ok := next()
		if !ok {
			break
		}
		got = append(got, d.Record.EventTimeMillis)
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, 0, ch.Len())
}

func TestMemoryPublishCancelled(t *testing.T) {
	ch := NewMemory(MemoryConfig{Capacity: 1}, nil)
	require.NoError(t, ch.Publish(t.Context(), tick("BTCUSDT", 1)))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	err := ch.Publish(ctx, tick("BTCUSDT", 2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryNackRedelivers(t *testing.T) {
	metrics, err := obs.NewMetrics(nil)
	require.NoError(t, err)
	ch := NewMemory(MemoryConfig{Capacity: 4}, metrics)
	require.NoError(t, ch.Publish(t.Context(), tick("ETHUSDT", 10)))

	next, stop := pull(t, ch)
	defer stop()

	first, ok := next()
	require.True(t, ok)
	assert.Equal(t, 1, first.Attempt)
	require.NoError(t, first.Nack())
	require.ErrorIs(t, first.Ack(), exception.ErrUnknownDelivery)

	second, ok := next()
	require.True(t, ok)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, 2, second.Attempt)
	require.NoError(t, second.Ack())
	require.ErrorIs(t, second.Ack(), exception.ErrUnknownDelivery)

	assert.Equal(t, uint64(1), metrics.Snapshot().Redelivered)
	assert.Equal(t, uint64(1), metrics.Snapshot().Published)
}

func TestMemoryAckTimeoutRedelivers(t *testing.T) {
	ch := NewMemory(MemoryConfig{Capacity: 4, AckTimeout: 20 * time.Millisecond}, nil)
	require.NoError(t, ch.Publish(t.Context(), tick("BTCUSDT", 5)))

	next, stop := pull(t, ch)
	defer stop()

	first, ok := next()
	require.True(t, ok)

	start := time.Now()
	second, ok := next()
	require.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	assert.Equal(t, first.Record, second.Record)
	assert.Equal(t, 2, second.Attempt)

	require.ErrorIs(t, first.Ack(), exception.ErrUnknownDelivery, "expired delivery was already handed out again")
	require.NoError(t, second.Ack())
}

func TestMemoryCloseDrainsThenEnds(t *testing.T) {
	ch := NewMemory(MemoryConfig{Capacity: 8}, nil)
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, ch.Publish(t.Context(), tick("BTCUSDT", i)))
	}
	require.NoError(t, ch.Close())
	require.ErrorIs(t, ch.Publish(t.Context(), tick("BTCUSDT", 4)), exception.ErrChannelClosed)

	done := make(chan []Delivery, 1)
	go func() {
		var got []Delivery
		for d, err := range ch.Subscribe(context.Background()) {
			if err != nil {
				break
			}
			got = append(got, d)
			if len(got) == 3 {
				// settle asynchronously; the sequence must wait for it
				go func(ds []Delivery) {
					time.Sleep(20 * time.Millisecond)
					for _, d := range ds {
						_ = d.Ack()
					}
				}(append([]Delivery(nil), got...))
			}
		}
		done <- got
	}()

	select {
	case got := <-done:
		assert.Len(t, got, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not finish after close")
	}
	assert.Equal(t, 0, ch.Len())
}

func TestMemorySubscribeStopsOnCancel(t *testing.T) {
	ch := NewMemory(MemoryConfig{Capacity: 1}, nil)
	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	count := 0
	for range ch.Subscribe(ctx) {
		count++
	}
	assert.Zero(t, count)
}

func TestDeliveryZeroValue(t *testing.T) {
	var d Delivery
	require.ErrorIs(t, d.Ack(), exception.ErrUnknownDelivery)
	require.ErrorIs(t, d.Nack(), exception.ErrUnknownDelivery)
}
