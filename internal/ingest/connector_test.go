package ingest

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/obs"
	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
	"tickerflow/pkg/websocket"
)

type stubConn struct {
	mu        sync.Mutex
	frames    []string
	subscribe []string
}

func (c *stubConn) Read(context.Context) (websocket.MessageType, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return 0, nil, io.ErrUnexpectedEOF
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return websocket.MessageText, []byte(frame), nil
}

func (c *stubConn) Write(_ context.Context, _ websocket.MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribe = append(c.subscribe, string(payload))
	return nil
}

func (c *stubConn) Close(websocket.CloseCode, string) error { return nil }

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (d *stubDialer) Dial(context.Context) (websocket.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, io.EOF
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func testConfig() Config {
	return Config{
		URL:         "ws://feed.invalid/ws",
		Symbols:     []string{"BTCUSDT"},
		MaxAttempts: 5,
		Backoff:     backoff.Backoff{Min: time.Millisecond, Max: time.Millisecond},
	}
}

func TestConnectorStreamsAcrossReconnects(t *testing.T) {
	first := &stubConn{frames: []string{`{"result":null,"id":1}`, "t1", "t2"}}
	second := &stubConn{frames: []string{`{"result":null,"id":2}`, "t3"}}
	metrics, err := obs.NewMetrics(nil)
	require.NoError(t, err)

	connector := NewConnector(testConfig(),
		WithDialer(&stubDialer{conns: []*stubConn{first, second}}),
		WithMetrics(metrics),
	)

	var (
		payloads []string
		lastErr  error
	)
	for msg, err := range connector.Start(t.Context(), Subscription{Symbols: []string{"BTCUSDT"}}) {
		if err != nil {
			lastErr = err
			break
		}
		assert.False(t, msg.ReceivedAt.IsZero())
		payloads = append(payloads, string(msg.Payload))
	}

	require.ErrorIs(t, lastErr, exception.ErrConnectionExhausted)
	assert.Equal(t, []string{`{"result":null,"id":1}`, "t1", "t2", `{"result":null,"id":2}`, "t3"}, payloads)
	assert.Equal(t, []string{`{"method":"SUBSCRIBE","params":["btcusdt@ticker"],"id":1}`}, first.subscribe)
	assert.Equal(t, []string{`{"method":"SUBSCRIBE","params":["btcusdt@ticker"],"id":2}`}, second.subscribe)

	snap := metrics.Snapshot()
	assert.Equal(t, uint64(5), snap.Received)
	// one reconnect to the second conn plus five failed ones
	assert.Equal(t, uint64(6), snap.Reconnects)
}

func TestConnectorStartOnce(t *testing.T) {
	connector := NewConnector(testConfig(), WithDialer(&stubDialer{}))
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	for _, err := range connector.Start(ctx, Subscription{Symbols: []string{"BTCUSDT"}}) {
		require.NoError(t, err)
	}
	for _, err := range connector.Start(t.Context(), Subscription{Symbols: []string{"BTCUSDT"}}) {
		require.ErrorIs(t, err, exception.ErrConnectorStarted)
	}
}

func TestConnectorEmptySubscription(t *testing.T) {
	connector := NewConnector(testConfig(), WithDialer(&stubDialer{}))
	for _, err := range connector.Start(t.Context(), Subscription{}) {
		require.ErrorIs(t, err, exception.ErrEmptySubscription)
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	cfg := testConfig()
	cfg.Symbols = []string{" "}
	require.ErrorIs(t, cfg.Validate(), exception.ErrEmptySubscription)

	cfg = testConfig()
	cfg.URL = ""
	require.ErrorIs(t, cfg.Validate(), exception.ErrInvalidArgument)
}
