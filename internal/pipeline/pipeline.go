package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tickerflow/internal/bus"
	"tickerflow/internal/ingest"
	"tickerflow/internal/ingest/binance"
	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/internal/sink"
	"tickerflow/internal/window"
	"tickerflow/pkg/backoff"
	"tickerflow/pkg/exception"
)

const defaultPublishAttempts = 5

// Config defines how ingestion retries an unacknowledged publish.
type Config struct {
	PublishMaxAttempts int             `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"5"`
	PublishBackoff     backoff.Backoff `envPrefix:"PUBLISH_BACKOFF_"`
}

func (c Config) withDefaults() Config {
	if c.PublishMaxAttempts <= 0 {
		c.PublishMaxAttempts = defaultPublishAttempts
	}
	if c.PublishBackoff == (backoff.Backoff{}) {
		c.PublishBackoff = backoff.Default()
	}
	return c
}

// Components are the stages a Pipeline wires together.
type Components struct {
	Connector    *ingest.Connector
	Subscription ingest.Subscription
	Channel      bus.Channel
	Aggregator   *window.Aggregator
	Writer       *sink.Writer
	Metrics      *obs.Metrics
	Config       Config
}

// Pipeline runs feed -> normalize -> channel -> windows -> sink.
type Pipeline struct {
	c       Components
	started atomic.Bool
}

// New checks every stage is present.
func New(c Components) (*Pipeline, error) {
	if c.Connector == nil || c.Channel == nil || c.Aggregator == nil || c.Writer == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "pipeline component")
	}
	c.Config = c.Config.withDefaults()
	return &Pipeline{c: c}, nil
}

// Run blocks until the pipeline stops.
//
// Cancelling ctx stops the feed only. The channel is then closed and drained,
// every open window is emitted and the sink flushes before Run returns nil.
// Feed exhaustion drains the same way and is returned afterwards. A fatal sink
// error stops every stage at once and is returned.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return exception.ErrPipelineStarted
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	ingestCtx, stopIngest := context.WithCancel(gctx)
	defer stopIngest()
	stop := context.AfterFunc(ctx, func() {
		logs.Info("pipeline: shutdown requested, draining")
		stopIngest()
	})
	defer stop()

	var feedErr error
	g.Go(func() error {
		feedErr = p.ingest(ingestCtx)
		if err := p.c.Channel.Close(); err != nil {
			logs.Errorf("pipeline: close channel, err: %+v", err)
		}
		if feedErr != nil {
			logs.Errorf("pipeline: feed stopped, draining, err: %+v", feedErr)
		}
		return nil
	})
	g.Go(func() error {
		return p.c.Aggregator.Consume(gctx, p.c.Channel)
	})
	g.Go(func() error {
		return p.c.Aggregator.Run(gctx)
	})
	g.Go(func() error {
		return p.c.Writer.Run(gctx, p.c.Aggregator.Output())
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if feedErr != nil {
		return feedErr
	}
	logs.Info("pipeline: drained")
	return nil
}

// ingest publishes every valid record of the feed. Invalid messages are
// counted and skipped.
func (p *Pipeline) ingest(ctx context.Context) error {
	for raw, err := range p.c.Connector.Start(ctx, p.c.Subscription) {
		if err != nil {
			return err
		}

		rec, err := binance.Normalize(raw)
		if err != nil {
			if errors.Is(err, exception.ErrControlMessage) {
				p.c.Metrics.IncControl()
			} else {
				p.c.Metrics.IncMalformed()
			}
			continue
		}
		p.c.Metrics.ObserveNormalized(rec.EventTime(), raw.ReceivedAt)

		if err := p.publish(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "publish")
		}
	}
	return nil
}

// publish retries exception.ErrChannelRetry with backoff up to
// PublishMaxAttempts. Any other error is returned at once.
func (p *Pipeline) publish(ctx context.Context, rec model.TickerRecord) error {
	for attempt := 1; ; attempt++ {
		err := p.c.Channel.Publish(ctx, rec)
		if err == nil || !errors.Is(err, exception.ErrChannelRetry) {
			return err
		}
		if attempt >= p.c.Config.PublishMaxAttempts {
			return errors.Wrapf(err, "gave up after %d attempts", attempt)
		}
		logs.Errorf("pipeline: publish %s attempt %d of %d failed, retrying, err: %+v",
			rec.Symbol, attempt, p.c.Config.PublishMaxAttempts, err)
		if werr := p.c.Config.PublishBackoff.Wait(ctx, attempt); werr != nil {
			return werr
		}
	}
}
