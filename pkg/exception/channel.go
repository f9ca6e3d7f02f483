package exception

import "errors"

var (
	ErrChannelClosed   = errors.New("channel: closed")
	ErrUnknownDelivery = errors.New("channel: unknown delivery")

	// ErrChannelRetry is returned when a publish was not acknowledged and may be retried.
	ErrChannelRetry = errors.New("channel: publish not acknowledged")
)
