package pipeline

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"tickerflow/internal/bus"
	"tickerflow/internal/ingest"
	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/internal/sink"
	"tickerflow/internal/window"
	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
	"tickerflow/pkg/websocket"
)

const btcTick = `{"s":"BTCUSDT","p":"50000.0","h":"50100.0","l":"49900.0","v":"10.5","E":1700000000000}`

type feedConn struct {
	mu     sync.Mutex
	frames []string
	hold   bool
}

func (c *feedConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		frame := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return websocket.MessageText, []byte(frame), nil
	}
	hold := c.hold
	c.mu.Unlock()
	if hold {
		<-ctx.Done()
		return 0, nil, ctx.Err()
	}
	return 0, nil, io.ErrUnexpectedEOF
}

func (c *feedConn) Write(context.Context, websocket.MessageType, []byte) error { return nil }

func (c *feedConn) Close(websocket.CloseCode, string) error { return nil }

type feedDialer struct {
	mu   sync.Mutex
	conn *feedConn
}

func (d *feedDialer) Dial(context.Context) (websocket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, io.EOF
	}
	conn := d.conn
	d.conn = nil
	return conn, nil
}

type failingStore struct{}

func (failingStore) Upsert(context.Context, []model.OutputRow) error {
	return io.ErrClosedPipe
}

// flakyChannel reports the next `failures` publishes as unacknowledged.
type flakyChannel struct {
	bus.Channel
	failures atomic.Int32
}

func (c *flakyChannel) Publish(ctx context.Context, rec model.TickerRecord) error {
	if c.failures.Add(-1) >= 0 {
		return errors.Wrap(exception.ErrChannelRetry, "broker unavailable")
	}
	return c.Channel.Publish(ctx, rec)
}

type fixture struct {
	pipeline *Pipeline
	metrics  *obs.Metrics
}

func newFixture(t *testing.T, conn *feedConn, store sink.Store) fixture {
	t.Helper()
	return newFixtureWithChannel(t, conn, store, nil)
}

func newFixtureWithChannel(t *testing.T, conn *feedConn, store sink.Store, wrap func(bus.Channel) bus.Channel) fixture {
	t.Helper()

	metrics, err := obs.NewMetrics(nil)
	require.NoError(t, err)

	feedCfg := ingest.Config{
		URL:         "ws://feed.invalid/ws",
		Symbols:     []string{"BTCUSDT"},
		MaxAttempts: 1,
		Backoff:     backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond},
	}
	connector := ingest.NewConnector(feedCfg,
		ingest.WithDialer(&feedDialer{conn: conn}),
		ingest.WithMetrics(metrics),
	)
	writer, err := sink.NewWriter(sink.Config{
		Driver:        sink.DriverMemory,
		BatchSize:     10,
		FlushInterval: time.Hour,
		MaxAttempts:   1,
	}, store, metrics)
	require.NoError(t, err)

	var channel bus.Channel = bus.NewMemory(bus.MemoryConfig{Capacity: 4}, metrics)
	if wrap != nil {
		channel = wrap(channel)
	}
	p, err := New(Components{
		Connector:    connector,
		Subscription: feedCfg.Subscription(),
		Channel:      channel,
		Aggregator:   window.NewAggregator(window.Config{Size: time.Minute}, metrics),
		Writer:       writer,
		Metrics:      metrics,
		Config: Config{
			PublishMaxAttempts: 3,
			PublishBackoff:     backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond},
		},
	})
	require.NoError(t, err)
	return fixture{pipeline: p, metrics: metrics}
}

func TestPipelineDuplicateTickYieldsOneRow(t *testing.T) {
	store := sink.NewMemory()
	f := newFixture(t, &feedConn{frames: []string{btcTick, btcTick}, hold: true}, store)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.metrics.Snapshot().Published == 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain after cancel")
	}

	rows := store.Rows()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "BTCUSDT", row.Symbol)
	assert.InDelta(t, 50000.0, row.Price, 1e-9)
	assert.InDelta(t, 50100.0, row.High, 1e-9)
	assert.InDelta(t, 49900.0, row.Low, 1e-9)
	assert.InDelta(t, 10.5, row.Volume, 1e-9)
	assert.Equal(t, int64(1), row.Count)
	assert.Equal(t, time.UnixMilli(1699999980000).UTC(), row.Timestamp())

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.Duplicates)
	assert.Equal(t, uint64(1), snap.Emitted)
}

func TestPipelineDrainsThenReportsExhaustion(t *testing.T) {
	store := sink.NewMemory()
	conn := &feedConn{frames: []string{
		`{"result":null,"id":1}`,
		`{"s":"BTCUSDT","p":"50000.0"}`,
		btcTick,
	}}
	f := newFixture(t, conn, store)

	err := f.pipeline.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrConnectionExhausted)

	require.Len(t, store.Rows(), 1)
	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(3), snap.Received)
	assert.Equal(t, uint64(1), snap.Control)
	assert.Equal(t, uint64(1), snap.Malformed)
	assert.Equal(t, uint64(1), snap.Normalized)
}

func TestPipelineFatalSinkHalts(t *testing.T) {
	f := newFixture(t, &feedConn{frames: []string{btcTick}}, failingStore{})

	err := f.pipeline.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrSinkFatal)
}

func TestPipelineRetriesUnacknowledgedPublish(t *testing.T) {
	store := sink.NewMemory()
	f := newFixtureWithChannel(t, &feedConn{frames: []string{btcTick}}, store, func(ch bus.Channel) bus.Channel {
		flaky := &flakyChannel{Channel: ch}
		flaky.failures.Store(2)
		return flaky
	})

	err := f.pipeline.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrConnectionExhausted)
	require.Len(t, store.Rows(), 1)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().Published)
}

func TestPipelinePublishGivesUpAfterMaxAttempts(t *testing.T) {
	store := sink.NewMemory()
	f := newFixtureWithChannel(t, &feedConn{frames: []string{btcTick}, hold: true}, store, func(ch bus.Channel) bus.Channel {
		flaky := &flakyChannel{Channel: ch}
		flaky.failures.Store(3)
		return flaky
	})

	err := f.pipeline.Run(t.Context())
	require.ErrorIs(t, err, exception.ErrChannelRetry)
	assert.Empty(t, store.Rows())
}

func TestPipelineRunsOnce(t *testing.T) {
	f := newFixture(t, &feedConn{}, sink.NewMemory())

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.NoError(t, f.pipeline.Run(ctx))
	require.ErrorIs(t, f.pipeline.Run(t.Context()), exception.ErrPipelineStarted)
}

func TestNewRejectsMissingStage(t *testing.T) {
	_, err := New(Components{})
	require.ErrorIs(t, err, exception.ErrNilInstance)
}
