package obs

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "tickerflow"

// Metrics collects pipeline counters. All methods are safe on a nil receiver.
type Metrics struct {
	received    prometheus.Counter
	normalized  prometheus.Counter
	malformed   prometheus.Counter
	control     prometheus.Counter
	published   prometheus.Counter
	redelivered prometheus.Counter
	duplicates  prometheus.Counter
	late        prometheus.Counter
	emitted     prometheus.Counter
	purged      prometheus.Counter
	reconnects  prometheus.Counter
	stalls      prometheus.Counter
	sinkRetries prometheus.Counter
	rowsWritten prometheus.Counter

	channelDepth  prometheus.Gauge
	openWindows   prometheus.Gauge
	sinkFlushTime prometheus.Histogram

	ingestLag LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Received    uint64
	Normalized  uint64
	Malformed   uint64
	Control     uint64
	Published   uint64
	Redelivered uint64
	Duplicates  uint64
	Late        uint64
	Emitted     uint64
	Purged      uint64
	Reconnects  uint64
	Stalls      uint64
	SinkRetries uint64
	RowsWritten uint64
	IngestLag   LatencySnapshot
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics allocates the pipeline metrics and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		received:    counter("feed_messages_received_total", "Raw messages received from the feed"),
		normalized:  counter("records_normalized_total", "Feed messages converted into ticker records"),
		malformed:   counter("records_malformed_total", "Feed messages dropped by validation"),
		control:     counter("feed_control_messages_total", "Feed control frames ignored"),
		published:   counter("channel_published_total", "Records accepted by the channel"),
		redelivered: counter("channel_redelivered_total", "Deliveries handed out again after nack or ack timeout"),
		duplicates:  counter("window_duplicates_total", "Records dropped as duplicates of an already applied record"),
		late:        counter("window_late_records_total", "Records dropped because their window was already emitted"),
		emitted:     counter("windows_emitted_total", "Windows finalized and emitted"),
		purged:      counter("windows_purged_total", "Window tombstones purged"),
		reconnects:  counter("feed_reconnects_total", "Feed reconnect attempts"),
		stalls:      counter("window_stalls_total", "Aggregator stall warnings"),
		sinkRetries: counter("sink_retries_total", "Transient sink failures retried"),
		rowsWritten: counter("sink_rows_written_total", "Rows handed to the store successfully"),

		channelDepth: gauge("channel_depth", "Queued plus in-flight channel entries"),
		openWindows:  gauge("windows_open", "Windows in the OPEN or CLOSING state"),
		sinkFlushTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_flush_seconds",
			Help:      "Sink batch write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.received, m.normalized, m.malformed, m.control, m.published,
		m.redelivered, m.duplicates, m.late, m.emitted, m.purged,
		m.reconnects, m.stalls, m.sinkRetries, m.rowsWritten,
		m.channelDepth, m.openWindows, m.sinkFlushTime,
	}
}

func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.received.Inc()
}

// ObserveNormalized counts a valid record and tracks the feed lag (receive time minus event time).
func (m *Metrics) ObserveNormalized(eventTime, receivedAt time.Time) {
	if m == nil {
		return
	}
	m.normalized.Inc()
	if !receivedAt.IsZero() {
		m.ingestLag.Observe(receivedAt.Sub(eventTime))
	}
}

func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) IncControl() {
	if m == nil {
		return
	}
	m.control.Inc()
}

func (m *Metrics) IncPublished() {
	if m == nil {
		return
	}
	m.published.Inc()
}

func (m *Metrics) IncRedelivered() {
	if m == nil {
		return
	}
	m.redelivered.Inc()
}

func (m *Metrics) IncDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) IncLate() {
	if m == nil {
		return
	}
	m.late.Inc()
}

func (m *Metrics) AddEmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.emitted.Add(float64(n))
}

func (m *Metrics) AddPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) IncStall() {
	if m == nil {
		return
	}
	m.stalls.Inc()
}

func (m *Metrics) IncSinkRetry() {
	if m == nil {
		return
	}
	m.sinkRetries.Inc()
}

// ObserveSinkFlush records a successful store write of n rows.
func (m *Metrics) ObserveSinkFlush(n int, d time.Duration) {
	if m == nil {
		return
	}
	m.rowsWritten.Add(float64(n))
	m.sinkFlushTime.Observe(d.Seconds())
}

func (m *Metrics) SetChannelDepth(n int) {
	if m == nil {
		return
	}
	m.channelDepth.Set(float64(n))
}

func (m *Metrics) SetOpenWindows(n int) {
	if m == nil {
		return
	}
	m.openWindows.Set(float64(n))
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Received:    value(m.received),
		Normalized:  value(m.normalized),
		Malformed:   value(m.malformed),
		Control:     value(m.control),
		Published:   value(m.published),
		Redelivered: value(m.redelivered),
		Duplicates:  value(m.duplicates),
		Late:        value(m.late),
		Emitted:     value(m.emitted),
		Purged:      value(m.purged),
		Reconnects:  value(m.reconnects),
		Stalls:      value(m.stalls),
		SinkRetries: value(m.sinkRetries),
		RowsWritten: value(m.rowsWritten),
		IngestLag:   m.ingestLag.Snapshot(),
	}
}

func value(c prometheus.Counter) uint64 {
	var metric dto.Metric
	if err := c.Write(&metric); err != nil || metric.Counter == nil {
		return 0
	}
	return uint64(metric.Counter.GetValue())
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
