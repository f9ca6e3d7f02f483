package bus

import (
	"context"
	"iter"
	"sync/atomic"

	"tickerflow/internal/model"
	"tickerflow/pkg/exception"
)

// Channel decouples ingestion from aggregation with at-least-once delivery.
type Channel interface {
	// Publish blocks while the channel is full. It fails only when the channel
	// is closed, ctx is done, or the transport asks for a retry
	// (exception.ErrChannelRetry).
	Publish(ctx context.Context, rec model.TickerRecord) error
	// Subscribe yields deliveries until the channel is closed and drained, or ctx is done.
	// Unacknowledged deliveries are handed out again.
	Subscribe(ctx context.Context) iter.Seq2[Delivery, error]
	// Close stops accepting publishes. Pending entries stay available to subscribers.
	Close() error
}

// Delivery is one handout of a record. Attempt starts at 1 and grows on every redelivery.
type Delivery struct {
	Record  model.TickerRecord
	Attempt int

	settle func(ack bool) error
	done   *atomic.Bool
}

func newDelivery(rec model.TickerRecord, attempt int, settle func(ack bool) error) Delivery {
	return Delivery{
		Record:  rec,
		Attempt: attempt,
		settle:  settle,
		done:    &atomic.Bool{},
	}
}

// Ack confirms the record was applied; it will not be delivered again.
func (d Delivery) Ack() error {
	return d.finish(true)
}

// Nack returns the record to the channel for redelivery.
func (d Delivery) Nack() error {
	return d.finish(false)
}

func (d Delivery) finish(ack bool) error {
	if d.settle == nil || d.done == nil {
		return exception.ErrUnknownDelivery
	}
	if !d.done.CompareAndSwap(false, true) {
		return exception.ErrUnknownDelivery
	}
	return d.settle(ack)
}
