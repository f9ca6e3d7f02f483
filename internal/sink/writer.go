package sink

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultMaxAttempts   = 5
)

// Config defines the sink writer.
type Config struct {
	Driver        string          `env:"DRIVER" envDefault:"postgres"`
	BatchSize     int             `env:"BATCH_SIZE" envDefault:"100"`
	FlushInterval time.Duration   `env:"FLUSH_INTERVAL" envDefault:"1s"`
	MaxAttempts   int             `env:"MAX_ATTEMPTS" envDefault:"5"`
	Backoff       backoff.Backoff `envPrefix:"BACKOFF_"`
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == (backoff.Backoff{}) {
		c.Backoff = backoff.Default()
	}
	return c
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return errors.Wrapf(exception.ErrInvalidArgument, "unknown sink driver %q", c.Driver)
	}
	if c.BatchSize < 0 || c.MaxAttempts < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "sink batch size and max attempts must not be negative")
	}
	return nil
}

// Writer hands rows to a Store, retrying transient failures.
type Writer struct {
	cfg     Config
	store   Store
	metrics *obs.Metrics
}

// NewWriter builds a writer for store.
func NewWriter(cfg Config, store Store, metrics *obs.Metrics) (*Writer, error) {
	if store == nil {
		return nil, exception.ErrNilStore
	}
	return &Writer{cfg: cfg.withDefaults(), store: store, metrics: metrics}, nil
}

// Write stores rows. Failures marked exception.ErrSinkTransient are retried with
// backoff up to MaxAttempts; anything else, or running out of attempts, returns
// exception.ErrSinkFatal.
func (w *Writer) Write(ctx context.Context, rows ...model.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := w.store.Upsert(ctx, rows)
		if err == nil {
			w.metrics.ObserveSinkFlush(len(rows), time.Since(start))
			return nil
		}
		if !errors.Is(err, exception.ErrSinkTransient) {
			return errors.Wrapf(exception.ErrSinkFatal, "write %d rows: %+v", len(rows), err)
		}
		if attempt >= w.cfg.MaxAttempts {
			return errors.Wrapf(exception.ErrSinkFatal, "write %d rows, gave up after %d attempts: %+v", len(rows), attempt, err)
		}

		w.metrics.IncSinkRetry()
		logs.Errorf("sink: attempt %d of %d failed, retrying, err: %+v", attempt, w.cfg.MaxAttempts, err)
		if werr := w.cfg.Backoff.Wait(ctx, attempt); werr != nil {
			return errors.Wrapf(exception.ErrSinkFatal, "write %d rows interrupted: %+v", len(rows), err)
		}
	}
}

// Run batches rows from in by BatchSize or FlushInterval, whichever comes
// first, and flushes the final batch once in is closed. A fatal write error
// stops it.
func (w *Writer) Run(ctx context.Context, in <-chan model.OutputRow) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.OutputRow, 0, w.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.Write(ctx, batch...)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case row, ok := <-in:
			if !ok {
				n := len(batch)
				if err := flush(); err != nil {
					return err
				}
				logs.Infof("sink: input closed, flushed final %d rows", n)
				return nil
			}
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
