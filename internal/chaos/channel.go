package chaos

import (
	"context"
	"sync"

	"tickerflow/internal/bus"
	"tickerflow/internal/model"
)

// Channel runs every published record through an Engine before it reaches the
// wrapped channel. Subscribe and the rest pass straight through.
type Channel struct {
	bus.Channel

	mu     sync.Mutex
	engine *Engine
}

// Wrap decorates ch with engine.
func Wrap(ch bus.Channel, engine *Engine) *Channel {
	return &Channel{Channel: ch, engine: engine}
}

func (c *Channel) Publish(ctx context.Context, rec model.TickerRecord) error {
	c.mu.Lock()
	out := c.engine.Process(rec)
	c.mu.Unlock()
	return c.publish(ctx, out)
}

// Close publishes the records still held for reordering, then closes the wrapped channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	out := c.engine.Flush()
	c.mu.Unlock()
	err := c.publish(context.Background(), out)
	if cerr := c.Channel.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Channel) publish(ctx context.Context, recs []model.TickerRecord) error {
	for _, rec := range recs {
		if err := c.Channel.Publish(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
