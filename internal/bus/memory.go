package bus

import (
	"context"
	"iter"
	"sync"
	"time"

	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/pkg/exception"
)

// MemoryConfig defines the in-process channel.
type MemoryConfig struct {
	Capacity int `env:"CAPACITY" envDefault:"1024"`
	// AckTimeout redelivers a delivery that was neither acked nor nacked in time. Zero disables it.
	AckTimeout time.Duration `env:"ACK_TIMEOUT" envDefault:"30s"`
}

type entry struct {
	id      uint64
	rec     model.TickerRecord
	attempt int
}

type pending struct {
	entry    entry
	deadline time.Time
}

// Memory is a bounded in-process Channel backed by a ring buffer.
//
// Publish blocks while the buffer is full. Redeliveries bypass the capacity
// bound so a consumer nacking records can never deadlock against publishers.
type Memory struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []entry
	head     int
	tail     int
	size     int
	closed   bool

	retry    []entry
	inflight map[uint64]pending
	nextID   uint64

	ackTimeout time.Duration
	metrics    *obs.Metrics
}

// NewMemory creates a bounded in-process channel.
func NewMemory(cfg MemoryConfig, metrics *obs.Metrics) *Memory {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	m := &Memory{
		buf:        make([]entry, capacity),
		inflight:   make(map[uint64]pending),
		ackTimeout: cfg.AckTimeout,
		metrics:    metrics,
	}
	m.notEmpty = sync.NewCond(&m.mu)
	m.notFull = sync.NewCond(&m.mu)
	return m
}

// Publish enqueues rec, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, rec model.TickerRecord) error {
	stop := context.AfterFunc(ctx, m.wake)
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return exception.ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.size < len(m.buf) {
			m.nextID++
			m.buf[m.tail] = entry{id: m.nextID, rec: rec, attempt: 1}
			m.tail = (m.tail + 1) % len(m.buf)
			m.size++
			m.notEmpty.Signal()
			m.metrics.IncPublished()
			m.metrics.SetChannelDepth(m.depthLocked())
			return nil
		}
		m.notFull.Wait()
	}
}

// Subscribe yields deliveries until the channel is closed and every entry has
// been acked, or ctx is done.
func (m *Memory) Subscribe(ctx context.Context) iter.Seq2[Delivery, error] {
	return func(yield func(Delivery, error) bool) {
		stop := context.AfterFunc(ctx, m.wake)
		defer stop()

		for {
			e, ok := m.pop(ctx)
			if !ok {
				return
			}
			if !yield(newDelivery(e.rec, e.attempt, m.settler(e.id)), nil) {
				return
			}
		}
	}
}

func (m *Memory) pop(ctx context.Context) (entry, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return entry{}, false
		}
		now := time.Now()
		m.expireLocked(now)

		var (
			e  entry
			ok bool
		)
		switch {
		case len(m.retry) > 0:
			e = m.retry[0]
			m.retry = m.retry[1:]
			ok = true
		case m.size > 0:
			e = m.buf[m.head]
			m.buf[m.head] = entry{}
			m.head = (m.head + 1) % len(m.buf)
			m.size--
			m.notFull.Signal()
			ok = true
		}
		if ok {
			var deadline time.Time
			if m.ackTimeout > 0 {
				deadline = now.Add(m.ackTimeout)
			}
			m.inflight[e.id] = pending{entry: e, deadline: deadline}
			return e, true
		}

		if m.closed && len(m.inflight) == 0 {
			return entry{}, false
		}
		if next, armed := m.nextDeadlineLocked(); armed {
			if timer == nil {
				timer = time.AfterFunc(next.Sub(now), m.wake)
			} else {
				timer.Reset(next.Sub(now))
			}
		}
		m.notEmpty.Wait()
	}
}

// expireLocked moves in-flight entries past their ack deadline to the retry queue.
func (m *Memory) expireLocked(now time.Time) {
	if m.ackTimeout <= 0 {
		return
	}
	for id, p := range m.inflight {
		if now.Before(p.deadline) {
			continue
		}
		delete(m.inflight, id)
		m.requeueLocked(p.entry)
	}
}

func (m *Memory) nextDeadlineLocked() (time.Time, bool) {
	if m.ackTimeout <= 0 || len(m.inflight) == 0 {
		return time.Time{}, false
	}
	var next time.Time
	for _, p := range m.inflight {
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return next, true
}

func (m *Memory) requeueLocked(e entry) {
	e.attempt++
	m.retry = append(m.retry, e)
	m.metrics.IncRedelivered()
}

func (m *Memory) settler(id uint64) func(ack bool) error {
	return func(ack bool) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		p, ok := m.inflight[id]
		if !ok {
			return exception.ErrUnknownDelivery
		}
		delete(m.inflight, id)
		if !ack {
			m.requeueLocked(p.entry)
		}
		m.metrics.SetChannelDepth(m.depthLocked())
		m.notEmpty.Broadcast()
		return nil
	}
}

// Close stops accepting publishes; subscribers drain what is left.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.notEmpty.Broadcast()
	m.notFull.Broadcast()
	m.mu.Unlock()
	return nil
}

// Len returns the number of queued and in-flight entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depthLocked()
}

func (m *Memory) depthLocked() int {
	return m.size + len(m.retry) + len(m.inflight)
}

func (m *Memory) wake() {
	m.mu.Lock()
	m.notEmpty.Broadcast()
	m.notFull.Broadcast()
	m.mu.Unlock()
}
