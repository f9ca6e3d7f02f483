package main

import (
	"context"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"tickerflow/internal/bus"
	"tickerflow/internal/chaos"
	"tickerflow/internal/config"
	"tickerflow/internal/ingest"
	"tickerflow/internal/obs"
	"tickerflow/internal/pipeline"
	"tickerflow/internal/sink"
	"tickerflow/internal/window"
	"tickerflow/pkg/conn"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("tickerflow: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("tickerflow: shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	if cfg.Obs.PyroscopeAddr != "" {
		profiler, err := startProfiler(cfg.Obs)
		if err != nil {
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	reg := prometheus.NewRegistry()
	metrics, err := obs.NewMetrics(reg)
	if err != nil {
		return err
	}
	if cfg.Obs.MetricsAddr != "" {
		stop := serveMetrics(cfg.Obs.MetricsAddr, reg)
		defer stop()
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	channel, err := openChannel(cfg, metrics)
	if err != nil {
		return err
	}

	writer, err := sink.NewWriter(cfg.Sink, store, metrics)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Components{
		Connector:    ingest.NewConnector(cfg.Feed, ingest.WithMetrics(metrics)),
		Subscription: cfg.Feed.Subscription(),
		Channel:      channel,
		Aggregator:   window.NewAggregator(cfg.Window, metrics),
		Writer:       writer,
		Metrics:      metrics,
		Config:       cfg.Pipeline,
	})
	if err != nil {
		return err
	}

	logs.Infof("tickerflow: running, symbols: %v, channel: %s, sink: %s", cfg.Feed.Symbols, cfg.Channel.Driver, cfg.Sink.Driver)
	if err := p.Run(ctx); err != nil {
		return err
	}

	snap := metrics.Snapshot()
	logs.Infof("tickerflow: stopped, received: %d, published: %d, duplicates: %d, late: %d, emitted: %d, rows: %d",
		snap.Received, snap.Published, snap.Duplicates, snap.Late, snap.Emitted, snap.RowsWritten)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (sink.Store, func(), error) {
	if cfg.Sink.Driver == sink.DriverMemory {
		return sink.NewMemory(), func() {}, nil
	}

	client, err := conn.New(cfg.Postgres)
	if err != nil {
		return nil, nil, errors.Wrap(err, "connect postgres")
	}
	closeClient := func() {
		if err := client.Close(); err != nil {
			logs.Errorf("tickerflow: close postgres, err: %+v", err)
		}
	}
	if err := client.Ping(ctx); err != nil {
		closeClient()
		return nil, nil, errors.Wrap(err, "ping postgres")
	}
	store, err := sink.NewPostgres(client)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		closeClient()
		return nil, nil, errors.Wrap(err, "migrate")
	}
	return store, closeClient, nil
}

func openChannel(cfg *config.Config, metrics *obs.Metrics) (bus.Channel, error) {
	var ch bus.Channel
	switch cfg.Channel.Driver {
	case config.ChannelKafka:
		k, err := bus.NewKafka(cfg.Channel.Kafka, metrics)
		if err != nil {
			return nil, err
		}
		ch = k
	default:
		ch = bus.NewMemory(cfg.Channel.Memory, metrics)
	}

	if !cfg.Chaos.Enabled {
		return ch, nil
	}
	engine, err := chaos.NewEngine(cfg.Chaos)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	logs.Infof("tickerflow: chaos enabled, drop: %.2f, duplicate: %.2f, reorder: %d, skew: %s",
		cfg.Chaos.DropRate, cfg.Chaos.DuplicateRate, cfg.Chaos.ReorderWindow, cfg.Chaos.MaxSkew)
	return chaos.Wrap(ch, engine), nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logs.Infof("tickerflow: metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Errorf("tickerflow: metrics server, err: %+v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func startProfiler(cfg config.ObsConfig) (*pyroscope.Profiler, error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.AppName,
		ServerAddress:   cfg.PyroscopeAddr,
		Logger:          profilerLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	return profiler, nil
}

type profilerLogger struct{}

func (profilerLogger) Infof(format string, args ...any)  { logs.Infof(format, args...) }
func (profilerLogger) Debugf(string, ...any)             {}
func (profilerLogger) Errorf(format string, args ...any) { logs.Errorf(format, args...) }
