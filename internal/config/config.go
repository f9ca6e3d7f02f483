package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"

	"tickerflow/internal/bus"
	"tickerflow/internal/chaos"
	"tickerflow/internal/ingest"
	"tickerflow/internal/pipeline"
	"tickerflow/internal/sink"
	"tickerflow/internal/window"
	"tickerflow/pkg/conn"
	"tickerflow/pkg/exception"
)

const (
	ChannelMemory = "memory"
	ChannelKafka  = "kafka"
)

// Config represents the application configuration.
type Config struct {
	Feed     ingest.Config   `envPrefix:"FEED_"`
	Channel  ChannelConfig   `envPrefix:"CHANNEL_"`
	Window   window.Config   `envPrefix:"WINDOW_"`
	Sink     sink.Config     `envPrefix:"SINK_"`
	Postgres conn.Option     `envPrefix:"POSTGRES_"`
	Chaos    chaos.Config    `envPrefix:"CHAOS_"`
	Obs      ObsConfig       `envPrefix:"OBS_"`
	Pipeline pipeline.Config `envPrefix:"PIPELINE_"`
}

// ChannelConfig selects and configures the message channel.
type ChannelConfig struct {
	Driver string           `env:"DRIVER" envDefault:"memory"`
	Memory bus.MemoryConfig `envPrefix:"MEMORY_"`
	Kafka  bus.KafkaConfig  `envPrefix:"KAFKA_"`
}

// ObsConfig holds the metrics and profiling endpoints. Empty disables each.
type ObsConfig struct {
	MetricsAddr   string `env:"METRICS_ADDR"`
	PyroscopeAddr string `env:"PYROSCOPE_ADDR"`
	AppName       string `env:"APP_NAME" envDefault:"tickerflow"`
}

// Load loads the configuration from the environment, reading a .env file first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Feed.Validate(); err != nil {
		return errors.Wrap(err, "feed")
	}
	if err := c.Channel.Validate(); err != nil {
		return errors.Wrap(err, "channel")
	}
	if err := c.Window.Validate(); err != nil {
		return errors.Wrap(err, "window")
	}
	if err := c.Sink.Validate(); err != nil {
		return errors.Wrap(err, "sink")
	}
	if c.Chaos.Enabled {
		if err := c.Chaos.Validate(); err != nil {
			return errors.Wrap(err, "chaos")
		}
	}
	return nil
}

// Validate checks the selected driver and its settings.
func (c ChannelConfig) Validate() error {
	switch c.Driver {
	case ChannelMemory:
		if c.Memory.Capacity <= 0 {
			return errors.Wrap(exception.ErrInvalidArgument, "memory channel capacity must be positive")
		}
		return nil
	case ChannelKafka:
		return c.Kafka.Validate()
	default:
		return errors.Wrapf(exception.ErrInvalidArgument, "unknown channel driver %q", c.Driver)
	}
}
