package chaos

import (
	"math/rand"
	"time"

	"github.com/yanun0323/errors"

	"tickerflow/internal/model"
	"tickerflow/pkg/exception"
)

// Config controls chaos injection behavior.
type Config struct {
	Enabled       bool    `env:"ENABLED" envDefault:"false"`
	Seed          int64   `env:"SEED"`
	DropRate      float64 `env:"DROP_RATE"`
	DuplicateRate float64 `env:"DUPLICATE_RATE"`
	ReorderWindow int     `env:"REORDER_WINDOW" envDefault:"1"`
	// MaxSkew moves event times back by up to this much, producing late records.
	MaxSkew time.Duration `env:"MAX_SKEW"`
}

// Engine applies chaos rules to ticker records. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []model.TickerRecord
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "drop rate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return errors.Wrap(exception.ErrInvalidArgument, "duplicate rate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "reorder window must be >= 1")
	}
	if c.MaxSkew < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "max skew must be >= 0")
	}
	return nil
}

// Process applies chaos to a single record and returns the records to pass on.
func (e *Engine) Process(rec model.TickerRecord) []model.TickerRecord {
	if e == nil {
		return []model.TickerRecord{rec}
	}
	if e.shouldDrop() {
		return nil
	}
	rec = e.applySkew(rec)
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(rec)
	}
	e.pending = append(e.pending, rec)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	idx := e.rng.Intn(len(e.pending))
	out := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return e.applyDuplicate(out)
}

// Flush returns any buffered records after processing completes.
func (e *Engine) Flush() []model.TickerRecord {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]model.TickerRecord, 0, len(e.pending))
	for len(e.pending) > 0 {
		idx := e.rng.Intn(len(e.pending))
		rec := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		out = append(out, e.applyDuplicate(rec)...)
	}
	return out
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(rec model.TickerRecord) []model.TickerRecord {
	out := []model.TickerRecord{rec}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, rec)
	}
	return out
}

func (e *Engine) applySkew(rec model.TickerRecord) model.TickerRecord {
	maxSkew := e.cfg.MaxSkew.Milliseconds()
	if maxSkew <= 0 {
		return rec
	}
	skew := e.rng.Int63n(maxSkew + 1)
	if skew >= rec.EventTimeMillis {
		return rec
	}
	rec.EventTimeMillis -= skew
	return rec
}
