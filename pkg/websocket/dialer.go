package websocket

import (
	"context"
	"net/http"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

const (
	DefaultDialerTimeout = 10 * time.Second
	DefaultReadTimeout   = 60 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	defaultReadLimit     = 1 << 20
)

// DialerOption configures a Dialer.
type DialerOption struct {
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
}

type dialer struct {
	opt    DialerOption
	dialer *gorilla.Dialer
}

// NewDialer creates a Dialer for the given endpoint.
func NewDialer(opt DialerOption) Dialer {
	if opt.DialTimeout <= 0 {
		opt.DialTimeout = DefaultDialerTimeout
	}
	if opt.ReadTimeout <= 0 {
		opt.ReadTimeout = DefaultReadTimeout
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = defaultReadLimit
	}
	return &dialer{
		opt: opt,
		dialer: &gorilla.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.DialTimeout,
		},
	}
}

func (d *dialer) Dial(ctx context.Context) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, d.opt.URL, d.opt.Header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s, status: %d", d.opt.URL, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", d.opt.URL)
	}
	conn.SetReadLimit(d.opt.ReadLimit)

	c := &wsConn{
		conn:         conn,
		readTimeout:  d.opt.ReadTimeout,
		writeTimeout: d.opt.WriteTimeout,
	}
	conn.SetPingHandler(c.handlePing)
	return c, nil
}

type wsConn struct {
	conn         *gorilla.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, nil, err
	}
	msgType, payload, err := c.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, nil, ctxErr
		}
		return 0, nil, err
	}
	return MessageType(msgType), payload, nil
}

func (c *wsConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	if err := setDeadline(ctx, c.writeTimeout, c.conn.SetWriteDeadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(int(msgType), payload)
}

func (c *wsConn) Close(code CloseCode, reason string) error {
	msg := gorilla.FormatCloseMessage(int(code), reason)
	_ = c.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	return c.conn.Close()
}

// handlePing answers pings and treats them as liveness, so an idle but healthy
// stream does not trip the read timeout.
func (c *wsConn) handlePing(data string) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	err := c.conn.WriteControl(gorilla.PongMessage, []byte(data), time.Now().Add(c.writeTimeout))
	if errors.Is(err, gorilla.ErrCloseSent) {
		return nil
	}
	return err
}

func setDeadline(ctx context.Context, fallback time.Duration, set func(time.Time) error) error {
	if ctx == nil {
		return set(time.Now().Add(fallback))
	}
	if deadline, ok := ctx.Deadline(); ok {
		return set(deadline)
	}
	if ctx.Err() != nil {
		return set(time.Now())
	}
	return set(time.Now().Add(fallback))
}
