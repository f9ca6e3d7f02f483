package exception

import "errors"

// Record validation errors. They drop a single record and never abort the stream.
var (
	ErrInvalidPayload = errors.New("record: invalid payload")
	ErrMissingField   = errors.New("record: missing field")
	ErrMalformedField = errors.New("record: malformed field")

	// ErrControlMessage marks a feed control frame (e.g. a subscribe ack), not a ticker.
	ErrControlMessage = errors.New("record: control message")
)

// IsValidation reports whether err drops a record as invalid input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrMalformedField)
}
