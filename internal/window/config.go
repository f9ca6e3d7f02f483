package window

import (
	"time"

	"github.com/yanun0323/errors"

	"tickerflow/pkg/exception"
)

const (
	defaultSize               = time.Minute
	defaultTombstoneRetention = 10 * time.Minute
	defaultSweepInterval      = time.Second
	defaultStallTimeout       = 2 * time.Minute
	defaultMaxFingerprints    = 4096
	defaultInputBuffer        = 256
)

// Config defines the windowing policy.
type Config struct {
	// Size is the fixed window length.
	Size time.Duration `env:"SIZE" envDefault:"60s"`
	// AllowedLateness holds the watermark back behind the newest event time of a symbol.
	AllowedLateness time.Duration `env:"ALLOWED_LATENESS" envDefault:"5s"`
	// GraceDelay is the processing time a window stays CLOSING before it is emitted.
	GraceDelay time.Duration `env:"GRACE_DELAY" envDefault:"2s"`
	// TombstoneRetention is how long an emitted window keeps rejecting late records.
	TombstoneRetention time.Duration `env:"TOMBSTONE_RETENTION" envDefault:"10m"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	StallTimeout       time.Duration `env:"STALL_TIMEOUT" envDefault:"2m"`
	// MaxFingerprints bounds the dedupe set of a single window.
	MaxFingerprints int `env:"MAX_FINGERPRINTS" envDefault:"4096"`
	InputBuffer     int `env:"INPUT_BUFFER" envDefault:"256"`
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = defaultSize
	}
	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = defaultTombstoneRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = defaultStallTimeout
	}
	if c.MaxFingerprints <= 0 {
		c.MaxFingerprints = defaultMaxFingerprints
	}
	if c.InputBuffer <= 0 {
		c.InputBuffer = defaultInputBuffer
	}
	return c
}

// Validate checks the configuration is consistent.
func (c Config) Validate() error {
	if c.Size < 0 || c.AllowedLateness < 0 || c.GraceDelay < 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "window durations must not be negative")
	}
	if c.Size > 0 && c.Size%time.Millisecond != 0 {
		return errors.Wrap(exception.ErrInvalidArgument, "window size must be a whole number of milliseconds")
	}
	if c.TombstoneRetention > 0 && c.TombstoneRetention < c.GraceDelay {
		return errors.Wrap(exception.ErrInvalidArgument, "tombstone retention shorter than grace delay")
	}
	return nil
}
