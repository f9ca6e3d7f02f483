package websocket

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
)

const (
	DefaultMaxAttempts    = 5
	defaultControlBufSize = 256
)

// Transition describes a state change of a Session.
type Transition struct {
	From    State
	To      State
	Attempt int
	Err     error
}

// Config defines the session runtime configuration.
type Config struct {
	Dialer  Dialer
	Encoder ControlEncoder
	Streams []string
	Backoff backoff.Backoff
	// MaxAttempts is the number of consecutive failed reconnects tolerated
	// before the session gives up.
	MaxAttempts int
	// OnTransition is called synchronously on every state change.
	OnTransition func(t Transition)
}

// Session owns one logical subscription: at most one live connection, an
// explicit reconnect state machine and the subscription re-announcement.
type Session struct {
	cfg           Config
	subscriptions *subscriptions
	controlBuf    []byte

	mu      sync.Mutex
	state   State
	attempt int
	started atomic.Bool
}

// NewSession validates config and builds a session.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, exception.ErrNilDialer
	}
	if cfg.Encoder == nil {
		return nil, exception.ErrNilEncoder
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (backoff.Backoff{}) {
		cfg.Backoff = backoff.Default()
	}
	subs := newSubscriptions(cfg.Streams)
	if subs.Count() == 0 {
		return nil, exception.ErrEmptySubscription
	}
	return &Session{
		cfg:           cfg,
		subscriptions: subs,
		controlBuf:    make([]byte, 0, defaultControlBufSize),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the lazy, infinite message sequence of the session.
//
// The sequence ends without error when ctx is done or the consumer stops
// iterating, and ends with exception.ErrConnectionExhausted once MaxAttempts
// consecutive reconnects failed. The attempt counter resets on every received
// message. A session can only be iterated once.
func (s *Session) Messages(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		if !s.started.CompareAndSwap(false, true) {
			yield(Message{}, exception.ErrConnectorStarted)
			return
		}
		s.run(ctx, yield)
	}
}

func (s *Session) run(ctx context.Context, yield func(Message, error) bool) {
	var (
		conn    Conn
		lastErr error
	)
	closeConn := func(reason string) {
		if conn == nil {
			return
		}
		_ = conn.Close(CloseNormal, reason)
		conn = nil
		s.subscriptions.ClearAnnounced()
	}
	defer closeConn("session_end")

	s.transition(StateDialing, nil)
	for {
		if ctx.Err() != nil {
			s.transition(StateClosed, nil)
			return
		}

		switch s.State() {
		case StateDialing:
			c, err := s.cfg.Dialer.Dial(ctx)
			if err != nil {
				lastErr = errors.Wrap(exception.ErrTransport, err.Error())
				s.transition(StateBackoff, lastErr)
				continue
			}
			conn = c
			s.transition(StateSubscribing, nil)

		case StateSubscribing:
			if err := s.announce(ctx, conn); err != nil {
				closeConn("subscribe_failed")
				lastErr = errors.Wrap(exception.ErrTransport, err.Error())
				s.transition(StateBackoff, lastErr)
				continue
			}
			s.transition(StateStreaming, nil)

		case StateStreaming:
			msgType, payload, err := conn.Read(ctx)
			if err != nil {
				closeConn("read_failed")
				if ctx.Err() != nil {
					continue
				}
				lastErr = errors.Wrap(exception.ErrTransport, err.Error())
				s.transition(StateBackoff, lastErr)
				continue
			}
			if msgType != MessageText && msgType != MessageBinary {
				continue
			}
			s.resetAttempt()
			if !yield(Message{Type: msgType, Payload: payload, ReceivedAt: time.Now()}, nil) {
				s.transition(StateClosed, nil)
				return
			}

		case StateBackoff:
			attempt := s.nextAttempt()
			if attempt > s.cfg.MaxAttempts {
				err := errors.Wrapf(exception.ErrConnectionExhausted, "attempts: %d, last err: %+v", s.cfg.MaxAttempts, lastErr)
				s.transition(StateExhausted, err)
				yield(Message{}, err)
				return
			}
			if err := s.cfg.Backoff.Wait(ctx, attempt); err != nil {
				continue
			}
			s.transition(StateDialing, nil)

		default:
			return
		}
	}
}

// announce sends the subscription request before any message is yielded on a
// fresh connection.
func (s *Session) announce(ctx context.Context, conn Conn) error {
	streams := s.subscriptions.Desired(nil)
	msgType, payload, err := s.cfg.Encoder.EncodeSubscribe(s.controlBuf[:0], s.subscriptions.NextRequestID(), streams)
	if err != nil {
		return errors.Wrap(err, "encode subscribe")
	}
	if cap(payload) > cap(s.controlBuf) {
		s.controlBuf = payload[:0]
	}
	if err := conn.Write(ctx, msgType, payload); err != nil {
		return errors.Wrap(err, "write subscribe")
	}
	s.subscriptions.MarkAnnounced()
	return nil
}

func (s *Session) transition(to State, err error) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	attempt := s.attempt
	s.mu.Unlock()

	if s.cfg.OnTransition != nil && from != to {
		s.cfg.OnTransition(Transition{From: from, To: to, Attempt: attempt, Err: err})
	}
}

func (s *Session) nextAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}

func (s *Session) resetAttempt() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}
