package ingest

import (
	"context"
	"iter"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"tickerflow/internal/ingest/binance"
	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
	"tickerflow/pkg/websocket"
)

const (
	DefaultURL = "wss://stream.binance.com:9443/ws"
)

// Config defines the feed connection settings.
type Config struct {
	URL          string          `env:"URL" envDefault:"wss://stream.binance.com:9443/ws"`
	Symbols      []string        `env:"SYMBOLS" envDefault:"BTCUSDT" envSeparator:","`
	StreamSuffix string          `env:"STREAM_SUFFIX" envDefault:"@ticker"`
	MaxAttempts  int             `env:"MAX_ATTEMPTS" envDefault:"5"`
	DialTimeout  time.Duration   `env:"DIAL_TIMEOUT" envDefault:"10s"`
	ReadTimeout  time.Duration   `env:"READ_TIMEOUT" envDefault:"60s"`
	Backoff      backoff.Backoff `envPrefix:"BACKOFF_"`
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.URL == "" {
		return exception.ErrInvalidArgument
	}
	if len(binance.StreamNames(c.Symbols, c.StreamSuffix)) == 0 {
		return exception.ErrEmptySubscription
	}
	if c.MaxAttempts < 0 {
		return exception.ErrInvalidArgument
	}
	return nil
}

// Subscription is the set of symbols to stream.
type Subscription struct {
	Symbols      []string
	StreamSuffix string
}

// Subscription returns the configured subscription.
func (c Config) Subscription() Subscription {
	return Subscription{Symbols: c.Symbols, StreamSuffix: c.StreamSuffix}
}

// Connector owns the upstream feed connection.
type Connector struct {
	cfg     Config
	dialer  websocket.Dialer
	metrics *obs.Metrics
	started atomic.Bool
}

// Option customizes a Connector.
type Option func(*Connector)

// WithDialer replaces the network dialer.
func WithDialer(d websocket.Dialer) Option {
	return func(c *Connector) {
		c.dialer = d
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Connector) {
		c.metrics = m
	}
}

// NewConnector builds a connector; the network dialer is created from cfg unless WithDialer is given.
func NewConnector(cfg Config, opts ...Option) *Connector {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	c := &Connector{cfg: cfg}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = websocket.NewDialer(websocket.DialerOption{
			URL:         cfg.URL,
			Header:      http.Header{},
			DialTimeout: cfg.DialTimeout,
			ReadTimeout: cfg.ReadTimeout,
		})
	}
	return c
}

// Start streams raw feed messages for sub.
//
// The sequence is lazy and ends without error when ctx is done. A fatal
// exception.ErrConnectionExhausted is yielded once reconnects run out. A
// connector can only be started once; later calls yield exception.ErrConnectorStarted.
func (c *Connector) Start(ctx context.Context, sub Subscription) iter.Seq2[model.RawMessage, error] {
	return func(yield func(model.RawMessage, error) bool) {
		if !c.started.CompareAndSwap(false, true) {
			yield(model.RawMessage{}, exception.ErrConnectorStarted)
			return
		}

		streams := binance.StreamNames(sub.Symbols, sub.StreamSuffix)
		session, err := websocket.NewSession(websocket.Config{
			Dialer:       c.dialer,
			Encoder:      binance.Encoder{},
			Streams:      streams,
			Backoff:      c.cfg.Backoff,
			MaxAttempts:  c.cfg.MaxAttempts,
			OnTransition: c.onTransition,
		})
		if err != nil {
			yield(model.RawMessage{}, err)
			return
		}

		logs.Infof("feed: starting %s, streams: %v", c.cfg.URL, streams)
		for msg, err := range session.Messages(ctx) {
			if err != nil {
				yield(model.RawMessage{}, err)
				return
			}
			c.metrics.IncReceived()
			if !yield(model.RawMessage{Payload: msg.Payload, ReceivedAt: msg.ReceivedAt}, nil) {
				return
			}
		}
	}
}

func (c *Connector) onTransition(t websocket.Transition) {
	switch t.To {
	case websocket.StateDialing:
		if t.From == websocket.StateBackoff {
			c.metrics.IncReconnect()
			logs.Infof("feed: reconnect attempt %d", t.Attempt)
		}
	case websocket.StateStreaming:
		logs.Infof("feed: subscribed, attempt %d", t.Attempt)
	case websocket.StateBackoff:
		logs.Errorf("feed: connection lost, backing off, err: %+v", t.Err)
	case websocket.StateExhausted:
		logs.Errorf("feed: giving up, err: %+v", t.Err)
	case websocket.StateClosed:
		logs.Info("feed: closed")
	}
}
