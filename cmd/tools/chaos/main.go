package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"tickerflow/internal/bus"
	"tickerflow/internal/chaos"
	"tickerflow/internal/model"
	"tickerflow/internal/obs"
	"tickerflow/internal/window"
)

func main() {
	if err := run(); err != nil {
		logs.Errorf("chaos: %+v", err)
		os.Exit(1)
	}
}

func run() error {
	symbolsFlag := flag.String("symbols", "BTCUSDT,ETHUSDT", "Comma separated symbols")
	ticks := flag.Int("ticks", 600, "Ticks generated per symbol")
	interval := flag.Duration("interval", time.Second, "Event time between ticks")
	seed := flag.Int64("seed", 0, "RNG seed (0=now)")
	dropRate := flag.Float64("drop-rate", 0, "Drop probability [0-1]")
	dupRate := flag.Float64("dup-rate", 0, "Duplicate probability [0-1]")
	reorderWindow := flag.Int("reorder-window", 1, "Reorder window (>=1)")
	maxSkew := flag.Duration("max-skew", 0, "Max event time skew")
	size := flag.Duration("window", time.Minute, "Window size")
	lateness := flag.Duration("lateness", 5*time.Second, "Allowed lateness")
	flag.Parse()

	symbols := splitSymbols(*symbolsFlag)
	if len(symbols) == 0 {
		return errors.New("missing symbols; use -symbols")
	}

	engine, err := chaos.NewEngine(chaos.Config{
		Seed:          *seed,
		DropRate:      *dropRate,
		DuplicateRate: *dupRate,
		ReorderWindow: *reorderWindow,
		MaxSkew:       *maxSkew,
	})
	if err != nil {
		return err
	}

	metrics, err := obs.NewMetrics(nil)
	if err != nil {
		return err
	}
	ch := chaos.Wrap(bus.NewMemory(bus.MemoryConfig{Capacity: 1024}, metrics), engine)
	agg := window.NewAggregator(window.Config{
		Size:            *size,
		AllowedLateness: *lateness,
		SweepInterval:   10 * time.Millisecond,
	}, metrics)

	ctx := context.Background()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer ch.Close()
		return generate(gctx, ch, symbols, *ticks, *interval, *seed)
	})
	g.Go(func() error { return agg.Consume(gctx, ch) })
	g.Go(func() error { return agg.Run(gctx) })

	rows := 0
	for row := range agg.Output() {
		rows++
		fmt.Printf("%s\t%s\tcount=%d\tlast=%.4f\thigh=%.4f\tlow=%.4f\tavg=%.4f\tvolume=%.4f\n",
			row.Symbol, row.WindowStart.Format(time.RFC3339), row.Count,
			row.Price, row.High, row.Low, row.AvgPrice, row.Volume)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	snap := metrics.Snapshot()
	logs.Infof("chaos: generated %d, published %d, duplicates %d, late %d, rows %d",
		len(symbols)*(*ticks), snap.Published, snap.Duplicates, snap.Late, rows)
	return nil
}

// generate publishes a random walk per symbol in event time order.
func generate(ctx context.Context, ch bus.Channel, symbols []string, ticks int, interval time.Duration, seed int64) error {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	start := time.Now().UTC().Truncate(time.Minute).Add(-time.Duration(ticks) * interval)

	prices := make([]float64, len(symbols))
	for i := range prices {
		prices[i] = 100 + rng.Float64()*1000
	}
	for i := 0; i < ticks; i++ {
		eventTime := start.Add(time.Duration(i) * interval).UnixMilli()
		for j, symbol := range symbols {
			prices[j] *= 1 + (rng.Float64()-0.5)*0.002
			rec := model.TickerRecord{
				Symbol:          symbol,
				Price:           prices[j],
				High:            prices[j] * 1.01,
				Low:             prices[j] * 0.99,
				Volume:          rng.Float64() * 10,
				EventTimeMillis: eventTime,
			}
			if err := ch.Publish(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if s := strings.ToUpper(strings.TrimSpace(part)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
