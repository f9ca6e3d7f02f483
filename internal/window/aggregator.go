package window

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"tickerflow/internal/bus"
	"tickerflow/internal/model"
	"tickerflow/internal/obs"
)

// Aggregator is the single goroutine that owns a Windows. Deliveries arrive
// through Input, a ticker drives Sweep, and final rows leave through Output.
type Aggregator struct {
	cfg     Config
	windows *Windows
	in      chan bus.Delivery
	out     chan model.OutputRow
	metrics *obs.Metrics
	now     func() time.Time
	onStall func(error)
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = now
	}
}

// WithStallHandler is called with the stall warning, in addition to logging it.
func WithStallHandler(fn func(error)) AggregatorOption {
	return func(a *Aggregator) {
		a.onStall = fn
	}
}

// NewAggregator builds an aggregator.
func NewAggregator(cfg Config, metrics *obs.Metrics, opts ...AggregatorOption) *Aggregator {
	cfg = cfg.withDefaults()
	a := &Aggregator{
		cfg:     cfg,
		windows: NewWindows(cfg),
		in:      make(chan bus.Delivery, cfg.InputBuffer),
		out:     make(chan model.OutputRow, cfg.InputBuffer),
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Output yields final rows. It is closed when Run returns.
func (a *Aggregator) Output() <-chan model.OutputRow {
	return a.out
}

// Consume forwards deliveries from ch into the aggregator until the channel is
// drained or ctx is done, then closes the input so Run can flush.
func (a *Aggregator) Consume(ctx context.Context, ch bus.Channel) error {
	defer close(a.in)
	for d, err := range ch.Subscribe(ctx) {
		if err != nil {
			logs.Errorf("aggregator: subscribe, err: %+v", err)
			continue
		}
		select {
		case a.in <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run applies deliveries and emits windows until the input is closed, at which
// point every remaining window is flushed. It returns ctx.Err() without
// flushing when ctx is done first.
func (a *Aggregator) Run(ctx context.Context) error {
	defer close(a.out)

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-a.in:
			if !ok {
				rows := a.windows.FlushAll(a.now())
				logs.Infof("aggregator: input closed, flushing %d windows", len(rows))
				return a.emit(ctx, rows)
			}
			a.apply(d)
		case <-ticker.C:
			if err := a.sweep(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Aggregator) apply(d bus.Delivery) {
	switch a.windows.Observe(d.Record, a.now()) {
	case Duplicate:
		a.metrics.IncDuplicate()
	case Late:
		a.metrics.IncLate()
	}
	a.metrics.SetOpenWindows(a.windows.Open())
	if err := d.Ack(); err != nil {
		logs.Errorf("aggregator: ack %s@%d, err: %+v", d.Record.Symbol, d.Record.EventTimeMillis, err)
	}
}

func (a *Aggregator) sweep(ctx context.Context) error {
	before := a.windows.Tracked()
	rows, stall := a.windows.Sweep(a.now())
	if stall != nil {
		a.metrics.IncStall()
		logs.Errorf("aggregator: %+v", stall)
		if a.onStall != nil {
			a.onStall(stall)
		}
	}
	a.metrics.AddPurged(before - a.windows.Tracked())
	a.metrics.SetOpenWindows(a.windows.Open())
	return a.emit(ctx, rows)
}

func (a *Aggregator) emit(ctx context.Context, rows []model.OutputRow) error {
	for _, row := range rows {
		select {
		case a.out <- row:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.metrics.AddEmitted(len(rows))
	return nil
}
