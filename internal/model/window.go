package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const idempotencyKeyLen = 32

// WindowKey identifies one aggregation bucket: [Start, End) for a symbol.
type WindowKey struct {
	Symbol string
	Start  time.Time
	End    time.Time
}

// WindowKeyOf maps an event time into its fixed, non-overlapping window,
// aligned to the Unix epoch.
func WindowKeyOf(symbol string, eventTime time.Time, size time.Duration) WindowKey {
	ms, sizeMs := eventTime.UnixMilli(), size.Milliseconds()
	if sizeMs <= 0 {
		sizeMs = 1
	}
	rem := ms % sizeMs
	if rem < 0 {
		rem += sizeMs
	}
	start := time.UnixMilli(ms - rem).UTC()
	return WindowKey{
		Symbol: symbol,
		Start:  start,
		End:    start.Add(size),
	}
}

// IdempotencyKey is deterministic for the key, so repeated emissions of the
// same window collapse in the store.
func (k WindowKey) IdempotencyKey() string {
	buf := make([]byte, 0, len(k.Symbol)+42)
	buf = append(buf, k.Symbol...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, k.Start.UnixMilli(), 10)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, k.End.UnixMilli(), 10)
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])[:idempotencyKeyLen]
}

func (k WindowKey) String() string {
	return k.Symbol + "[" + k.Start.Format(time.RFC3339) + "," + k.End.Format(time.RFC3339) + ")"
}

// OutputRow is the finalized projection of a closed window.
type OutputRow struct {
	IdempotencyKey string
	Symbol         string
	// Price is the last price by event time.
	Price        float64
	High         float64
	Low          float64
	Volume       float64
	AvgPrice     float64
	Count        int64
	WindowStart  time.Time
	WindowEnd    time.Time
	FirstEventAt time.Time
	LastEventAt  time.Time
}

// Timestamp is the row instant written to the store.
func (r OutputRow) Timestamp() time.Time {
	return r.WindowStart
}

// Key returns the window key the row was produced from.
func (r OutputRow) Key() WindowKey {
	return WindowKey{Symbol: r.Symbol, Start: r.WindowStart, End: r.WindowEnd}
}
