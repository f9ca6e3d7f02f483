package exception

import "errors"

var (
	// ErrSinkTransient marks a store failure that is safe to retry (timeout, throttling, lost connection).
	ErrSinkTransient = errors.New("sink: transient store error")

	// ErrSinkFatal halts the pipeline.
	ErrSinkFatal = errors.New("sink: fatal store error")

	ErrNilStore = errors.New("sink: nil store")
)
