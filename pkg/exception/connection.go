package exception

import "errors"

// Feed connection errors
var (
	// ErrTransport marks a recoverable transport failure; the connector retries it.
	ErrTransport = errors.New("feed: transport error")

	// ErrConnectionExhausted is fatal: reconnect attempts ran out.
	ErrConnectionExhausted = errors.New("feed: connection retries exhausted")

	// ErrConnectorStarted is returned when a connector is started twice.
	ErrConnectorStarted = errors.New("feed: connector already started")

	ErrEmptySubscription = errors.New("feed: empty subscription")
	ErrNilDialer         = errors.New("feed: nil dialer")
	ErrNilEncoder        = errors.New("feed: nil control encoder")
)
