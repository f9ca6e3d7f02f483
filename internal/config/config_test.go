package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/pkg/exception"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://stream.binance.com:9443/ws", cfg.Feed.URL)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, 5, cfg.Feed.MaxAttempts)
	assert.Equal(t, ChannelMemory, cfg.Channel.Driver)
	assert.Equal(t, 1024, cfg.Channel.Memory.Capacity)
	assert.Equal(t, 60*time.Second, cfg.Window.Size)
	assert.Equal(t, "postgres", cfg.Sink.Driver)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.False(t, cfg.Chaos.Enabled)
	assert.Empty(t, cfg.Obs.MetricsAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FEED_SYMBOLS", "BTCUSDT,ETHUSDT")
	t.Setenv("FEED_BACKOFF_MIN", "250ms")
	t.Setenv("CHANNEL_DRIVER", "kafka")
	t.Setenv("CHANNEL_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WINDOW_SIZE", "30s")
	t.Setenv("SINK_DRIVER", "memory")
	t.Setenv("SINK_BATCH_SIZE", "7")
	t.Setenv("POSTGRES_DSN", "postgres://u@h/db")
	t.Setenv("CHAOS_ENABLED", "true")
	t.Setenv("CHAOS_DUPLICATE_RATE", "0.5")
	t.Setenv("OBS_METRICS_ADDR", ":9090")
	t.Setenv("PIPELINE_PUBLISH_MAX_ATTEMPTS", "9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Feed.Symbols)
	assert.Equal(t, 250*time.Millisecond, cfg.Feed.Backoff.Min)
	assert.Equal(t, ChannelKafka, cfg.Channel.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Channel.Kafka.Brokers)
	assert.Equal(t, 30*time.Second, cfg.Window.Size)
	assert.Equal(t, "memory", cfg.Sink.Driver)
	assert.Equal(t, 7, cfg.Sink.BatchSize)
	assert.Equal(t, "postgres://u@h/db", cfg.Postgres.ConnString)
	assert.True(t, cfg.Chaos.Enabled)
	assert.InDelta(t, 0.5, cfg.Chaos.DuplicateRate, 1e-9)
	assert.Equal(t, ":9090", cfg.Obs.MetricsAddr)
	assert.Equal(t, 9, cfg.Pipeline.PublishMaxAttempts)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown channel driver", "CHANNEL_DRIVER", "nats"},
		{"unknown sink driver", "SINK_DRIVER", "bigquery"},
		{"empty symbols", "FEED_SYMBOLS", " , "},
		{"negative lateness", "WINDOW_ALLOWED_LATENESS", "-1s"},
		{"zero capacity", "CHANNEL_MEMORY_CAPACITY", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestChaosValidatedOnlyWhenEnabled(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CHAOS_DROP_RATE", "3")

	_, err := Load()
	require.NoError(t, err)

	t.Setenv("CHAOS_ENABLED", "true")
	_, err = Load()
	require.ErrorIs(t, err, exception.ErrInvalidArgument)
}
