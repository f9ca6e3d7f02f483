package model

import "time"

// RawMessage is one payload received from the upstream feed.
type RawMessage struct {
	Payload    []byte
	ReceivedAt time.Time
}

// TickerRecord is a validated ticker event.
type TickerRecord struct {
	Symbol          string  `json:"symbol"`
	Price           float64 `json:"price"`
	High            float64 `json:"high"`
	Low             float64 `json:"low"`
	Volume          float64 `json:"volume"`
	EventTimeMillis int64   `json:"eventTimeMillis"`
}

// EventTime returns the event time as a UTC instant.
func (r TickerRecord) EventTime() time.Time {
	return time.UnixMilli(r.EventTimeMillis).UTC()
}

// Fingerprint identifies a record for duplicate detection.
type Fingerprint struct {
	Symbol          string
	EventTimeMillis int64
	Price           float64
}

// Fingerprint returns the (symbol, event time, price) identity of the record.
func (r TickerRecord) Fingerprint() Fingerprint {
	return Fingerprint{
		Symbol:          r.Symbol,
		EventTimeMillis: r.EventTimeMillis,
		Price:           r.Price,
	}
}
