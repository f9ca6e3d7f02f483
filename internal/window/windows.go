package window

import (
	"slices"
	"strings"
	"time"

	"github.com/yanun0323/errors"

	"tickerflow/internal/model"
	"tickerflow/pkg/exception"
)

// Lifecycle is the state of one window.
type Lifecycle uint8

const (
	LifecycleOpen Lifecycle = iota + 1
	LifecycleClosing
	LifecycleEmitted
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleOpen:
		return "OPEN"
	case LifecycleClosing:
		return "CLOSING"
	case LifecycleEmitted:
		return "EMITTED"
	default:
		return "UNKNOWN"
	}
}

// Outcome reports what Observe did with a record.
type Outcome uint8

const (
	Applied Outcome = iota + 1
	Duplicate
	Late
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

type state struct {
	key       model.WindowKey
	lifecycle Lifecycle

	count    int64
	price    float64
	priceAt  int64
	high     float64
	low      float64
	volume   float64
	priceSum float64
	firstAt  int64
	lastAt   int64

	seen  map[model.Fingerprint]struct{}
	order []model.Fingerprint

	closingAt time.Time
	emittedAt time.Time
}

// symbolState outlives its windows so the watermark survives tombstone purges.
type symbolState struct {
	name           string
	maxEventMillis int64
	windows        map[int64]*state // by window start millis

	open         int
	lastProgress time.Time
	stalled      bool
}

// Windows assigns records to fixed event-time windows per symbol and decides
// when each window is final. It is not safe for concurrent use; the
// Aggregator goroutine owns it. Processing time is always passed in.
type Windows struct {
	cfg     Config
	symbols map[string]*symbolState

	open int
}

// NewWindows creates an empty window set.
func NewWindows(cfg Config) *Windows {
	return &Windows{
		cfg:     cfg.withDefaults(),
		symbols: make(map[string]*symbolState),
	}
}

// Watermark returns the watermark of symbol and whether any event was seen for it.
func (w *Windows) Watermark(symbol string) (time.Time, bool) {
	sym, ok := w.symbols[symbol]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(sym.maxEventMillis).UTC().Add(-w.cfg.AllowedLateness), true
}

// Open returns the number of windows that are OPEN or CLOSING.
func (w *Windows) Open() int {
	return w.open
}

// Lifecycle returns the state of key, if it is tracked.
func (w *Windows) Lifecycle(key model.WindowKey) (Lifecycle, bool) {
	sym, ok := w.symbols[key.Symbol]
	if !ok {
		return 0, false
	}
	s, ok := sym.windows[key.Start.UnixMilli()]
	if !ok {
		return 0, false
	}
	return s.lifecycle, true
}

// Observe applies rec at processing time now.
//
// Records for an emitted window, or for an untracked window already behind the
// watermark, are Late. A record whose fingerprint the window has seen is a
// Duplicate. Neither changes any aggregate.
func (w *Windows) Observe(rec model.TickerRecord, now time.Time) Outcome {
	sym := w.symbol(rec.Symbol)
	if rec.EventTimeMillis > sym.maxEventMillis {
		sym.maxEventMillis = rec.EventTimeMillis
		sym.progress(now)
		w.closeBehindWatermark(sym, now)
	}

	key := model.WindowKeyOf(rec.Symbol, rec.EventTime(), w.cfg.Size)
	start := key.Start.UnixMilli()
	s, ok := sym.windows[start]
	switch {
	case ok && s.lifecycle == LifecycleEmitted:
		return Late
	case !ok && w.watermarkMillis(sym) >= key.End.UnixMilli():
		return Late
	case !ok:
		s = &state{
			key:       key,
			lifecycle: LifecycleOpen,
			seen:      make(map[model.Fingerprint]struct{}),
		}
		sym.windows[start] = s
		sym.open++
		w.open++
		if sym.lastProgress.IsZero() {
			sym.lastProgress = now
		}
	}

	fp := rec.Fingerprint()
	if _, dup := s.seen[fp]; dup {
		return Duplicate
	}
	s.remember(fp, w.cfg.MaxFingerprints)
	s.apply(rec)
	return Applied
}

// Sweep advances every window at processing time now and returns the rows of
// windows that became final, ordered by window start then symbol.
//
// The returned error is a warning: exception.ErrAggregatorStalled names every
// symbol with open windows whose watermark has not moved for StallTimeout. A
// symbol is reported once, and re-armed by its next watermark progress.
func (w *Windows) Sweep(now time.Time) ([]model.OutputRow, error) {
	var rows []model.OutputRow
	for _, sym := range w.symbols {
		wm := w.watermarkMillis(sym)
		for start, s := range sym.windows {
			switch s.lifecycle {
			case LifecycleOpen:
				if wm < s.key.End.UnixMilli() {
					continue
				}
				s.lifecycle = LifecycleClosing
				s.closingAt = now
				fallthrough
			case LifecycleClosing:
				if now.Sub(s.closingAt) >= w.cfg.GraceDelay {
					rows = append(rows, w.emit(sym, s, now))
				}
			case LifecycleEmitted:
				if now.Sub(s.emittedAt) >= w.cfg.TombstoneRetention {
					delete(sym.windows, start)
				}
			}
		}
	}
	sortRows(rows)
	return rows, w.checkStall(now)
}

// FlushAll emits every OPEN or CLOSING window regardless of the watermark.
// Emitted windows stay as tombstones.
func (w *Windows) FlushAll(now time.Time) []model.OutputRow {
	var rows []model.OutputRow
	for _, sym := range w.symbols {
		for _, s := range sym.windows {
			if s.lifecycle == LifecycleEmitted {
				continue
			}
			rows = append(rows, w.emit(sym, s, now))
		}
	}
	sortRows(rows)
	return rows
}

// Tracked returns the number of windows held, tombstones included.
func (w *Windows) Tracked() int {
	n := 0
	for _, sym := range w.symbols {
		n += len(sym.windows)
	}
	return n
}

func (w *Windows) symbol(name string) *symbolState {
	sym, ok := w.symbols[name]
	if !ok {
		sym = &symbolState{name: name, windows: make(map[int64]*state)}
		w.symbols[name] = sym
	}
	return sym
}

func (w *Windows) watermarkMillis(sym *symbolState) int64 {
	if sym.maxEventMillis == 0 {
		return 0
	}
	return sym.maxEventMillis - w.cfg.AllowedLateness.Milliseconds()
}

func (w *Windows) closeBehindWatermark(sym *symbolState, now time.Time) {
	wm := w.watermarkMillis(sym)
	for _, s := range sym.windows {
		if s.lifecycle == LifecycleOpen && wm >= s.key.End.UnixMilli() {
			s.lifecycle = LifecycleClosing
			s.closingAt = now
		}
	}
}

func (sym *symbolState) progress(now time.Time) {
	sym.lastProgress = now
	sym.stalled = false
}

func (w *Windows) checkStall(now time.Time) error {
	var stalled []string
	open := 0
	for _, sym := range w.symbols {
		if sym.stalled || sym.open == 0 || sym.lastProgress.IsZero() {
			continue
		}
		if now.Sub(sym.lastProgress) < w.cfg.StallTimeout {
			continue
		}
		sym.stalled = true
		stalled = append(stalled, sym.name)
		open += sym.open
	}
	if len(stalled) == 0 {
		return nil
	}
	slices.Sort(stalled)
	return errors.Wrapf(exception.ErrAggregatorStalled, "%d open windows of %s, watermark idle for at least %s",
		open, strings.Join(stalled, ","), w.cfg.StallTimeout)
}

func (w *Windows) emit(sym *symbolState, s *state, now time.Time) model.OutputRow {
	s.lifecycle = LifecycleEmitted
	s.emittedAt = now
	s.seen = nil
	s.order = nil
	sym.open--
	w.open--
	return s.row()
}

func (s *state) remember(fp model.Fingerprint, limit int) {
	if len(s.order) >= limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}
	s.seen[fp] = struct{}{}
	s.order = append(s.order, fp)
}

func (s *state) apply(rec model.TickerRecord) {
	ms := rec.EventTimeMillis
	if s.count == 0 {
		s.high = rec.High
		s.low = rec.Low
		s.firstAt = ms
		s.lastAt = ms
		s.price = rec.Price
		s.priceAt = ms
	}
	s.count++
	s.volume += rec.Volume
	s.priceSum += rec.Price
	s.high = max(s.high, rec.High)
	s.low = min(s.low, rec.Low)
	s.firstAt = min(s.firstAt, ms)
	s.lastAt = max(s.lastAt, ms)
	// last price by event time; equal event times keep the higher price so arrival order does not matter
	if ms > s.priceAt || ms == s.priceAt && rec.Price > s.price {
		s.price = rec.Price
		s.priceAt = ms
	}
}

func (s *state) row() model.OutputRow {
	var avg float64
	if s.count > 0 {
		avg = s.priceSum / float64(s.count)
	}
	return model.OutputRow{
		IdempotencyKey: s.key.IdempotencyKey(),
		Symbol:         s.key.Symbol,
		Price:          s.price,
		High:           s.high,
		Low:            s.low,
		Volume:         s.volume,
		AvgPrice:       avg,
		Count:          s.count,
		WindowStart:    s.key.Start,
		WindowEnd:      s.key.End,
		FirstEventAt:   time.UnixMilli(s.firstAt).UTC(),
		LastEventAt:    time.UnixMilli(s.lastAt).UTC(),
	}
}

func sortRows(rows []model.OutputRow) {
	slices.SortFunc(rows, func(a, b model.OutputRow) int {
		if c := a.WindowStart.Compare(b.WindowStart); c != 0 {
			return c
		}
		switch {
		case a.Symbol < b.Symbol:
			return -1
		case a.Symbol > b.Symbol:
			return 1
		}
		return 0
	})
}
