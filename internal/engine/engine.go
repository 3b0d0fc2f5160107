// Package engine runs the arbitrage decision loop: one ticker across all
// configured pairs, a two-state machine per pair, and virtual positions only.
// No orders are ever placed.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/schema"
)

// Default decision parameters. Thresholds are percent for the relative leg
// and quote-currency units for the absolute one.
var (
	DefaultAbsThreshold         = decimal.RequireFromString("0.05")
	DefaultPctThreshold         = decimal.RequireFromString("0.40")
	DefaultConvergenceThreshold = decimal.RequireFromString("0.10")
	DefaultTradeNotional        = decimal.NewFromInt(1000)
	DefaultFeePct               = decimal.RequireFromString("0.1")
	DefaultSlipPct              = decimal.RequireFromString("0.05")
)

const (
	defaultTickInterval = 200 * time.Millisecond
	defaultSummaryEvery = 5

	exitReasonConverged = "spread_converged"
)

// Source provides per-pair snapshots. Implemented by feed.Matrix.
type Source interface {
	Pairs() []string
	Snapshot(pair string) schema.Snapshot
}

// Sink receives the engine's durable output. All three operations are
// enqueue-only; the engine never waits on storage.
type Sink interface {
	LogOpportunity(rec schema.OpportunityRecord)
	LogPrices(pair string, quotes []schema.VenueQuote)
	LogTrade(rec schema.TradeRecord)
}

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	TickInterval         time.Duration
	AbsThreshold         decimal.Decimal
	PctThreshold         decimal.Decimal
	ConvergenceThreshold decimal.Decimal
	TradeNotional        decimal.Decimal
	FeePct               decimal.Decimal
	SlipPct              decimal.Decimal
	// SummaryEvery sets how many closed trades accumulate between paper
	// summary log lines.
	SummaryEvery int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.AbsThreshold.Sign() <= 0 {
		c.AbsThreshold = DefaultAbsThreshold
	}
	if c.PctThreshold.Sign() <= 0 {
		c.PctThreshold = DefaultPctThreshold
	}
	if c.ConvergenceThreshold.Sign() <= 0 {
		c.ConvergenceThreshold = DefaultConvergenceThreshold
	}
	if c.TradeNotional.Sign() <= 0 {
		c.TradeNotional = DefaultTradeNotional
	}
	if c.FeePct.Sign() <= 0 {
		c.FeePct = DefaultFeePct
	}
	if c.SlipPct.Sign() <= 0 {
		c.SlipPct = DefaultSlipPct
	}
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = defaultSummaryEvery
	}
	return c
}

// Engine owns every open position. Decisions for all pairs run on the single
// tick goroutine, so per-pair transitions never interleave.
type Engine struct {
	cfg    Config
	source Source
	sink   Sink
	clock  func() time.Time

	// mu lets the position accessors run concurrently with the tick
	// goroutine (the metrics gauge reads OpenCount at collection time).
	mu        sync.RWMutex
	positions map[string]schema.OpenPosition

	closedTrades int
	totalNet     decimal.Decimal
}

// New constructs an engine over the given snapshot source and sink.
func New(source Source, sink Sink, cfg Config) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		source:    source,
		sink:      sink,
		clock:     func() time.Time { return time.Now().UTC() },
		positions: make(map[string]schema.OpenPosition),
	}
}

// Run ticks until ctx is cancelled. It always returns nil; per-pair faults
// are logged and absorbed.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick evaluates every pair once. Exported so tests can drive the engine
// without the ticker.
func (e *Engine) Tick() {
	for _, pair := range e.source.Pairs() {
		if err := e.tickPair(pair); err != nil {
			observability.Log().Error("pair tick aborted",
				observability.F("pair", pair),
				observability.F("error", err))
		}
	}
}

// Positions returns a copy of the open positions.
func (e *Engine) Positions() []schema.OpenPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]schema.OpenPosition, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, pos)
	}
	return out
}

// OpenCount returns the number of open positions. Wired to the open-position
// gauge at startup.
func (e *Engine) OpenCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return int64(len(e.positions))
}

func (e *Engine) tickPair(pair string) error {
	snapshot := e.source.Snapshot(pair)
	if len(snapshot) < 2 {
		return nil
	}
	e.sink.LogPrices(pair, snapshot)

	e.mu.Lock()
	defer e.mu.Unlock()

	low, high := snapshot.LowHigh()
	if !low.Price.IsPositive() {
		return fmt.Errorf("non-positive quote from %s: %s", low.Venue, low.Price)
	}
	spread := high.Price.Sub(low.Price)
	spreadPct := spread.Div(low.Price).Mul(hundred)

	if _, open := e.positions[pair]; !open {
		if spread.GreaterThanOrEqual(e.cfg.AbsThreshold) && spreadPct.GreaterThanOrEqual(e.cfg.PctThreshold) {
			return e.enterPosition(pair, snapshot, low, high, spread, spreadPct)
		}
		return nil
	}
	if spreadPct.LessThanOrEqual(e.cfg.ConvergenceThreshold) {
		return e.exitPosition(pair, snapshot)
	}
	return nil
}

func (e *Engine) enterPosition(pair string, snapshot schema.Snapshot, low, high schema.VenueQuote, spread, spreadPct decimal.Decimal) error {
	legs, err := simulateEntry(low.Price, high.Price, e.cfg.TradeNotional, e.cfg.FeePct, e.cfg.SlipPct)
	if err != nil {
		return err
	}

	now := e.clock()
	e.positions[pair] = schema.OpenPosition{
		ID:             uuid.New(),
		Pair:           pair,
		EntryTime:      now,
		BuyVenue:       low.Venue,
		SellVenue:      high.Venue,
		BuyPrice:       low.Price,
		SellPrice:      high.Price,
		EntrySpreadPct: spreadPct,
		EntryUnits:     legs.Units,
		EntryEffBuy:    legs.EffBuy,
		EntryEffSell:   legs.EffSell,
		FeeFrac:        legs.FeeFrac,
		SlipFrac:       legs.SlipFrac,
	}

	e.sink.LogOpportunity(schema.OpportunityRecord{
		Timestamp:    now,
		Pair:         pair,
		BuyExchange:  low.Venue,
		BuyPrice:     low.Price,
		SellExchange: high.Venue,
		SellPrice:    high.Price,
		Spread:       spread,
		SpreadPct:    spreadPct,
		Quotes:       snapshot,
	})

	observability.Log().Info("position opened",
		observability.F("pair", pair),
		observability.F("buy_venue", low.Venue),
		observability.F("buy_price", low.Price),
		observability.F("sell_venue", high.Venue),
		observability.F("sell_price", high.Price),
		observability.F("spread_pct", spreadPct))
	return nil
}

func (e *Engine) exitPosition(pair string, snapshot schema.Snapshot) error {
	pos := e.positions[pair]

	// Both entry venues must still be quoting; otherwise hold until the
	// next tick.
	buyQuote, ok := snapshot.PriceFor(pos.BuyVenue)
	if !ok {
		return nil
	}
	sellQuote, ok := snapshot.PriceFor(pos.SellVenue)
	if !ok {
		return nil
	}

	net, gross, err := simulateExit(pos, buyQuote.Price, sellQuote.Price)
	if err != nil {
		return err
	}

	now := e.clock()
	duration := int(now.Sub(pos.EntryTime) / time.Second)
	e.sink.LogTrade(schema.TradeRecord{
		Timestamp:       pos.EntryTime,
		Pair:            pair,
		BuyExchange:     pos.BuyVenue,
		BuyPrice:        pos.BuyPrice,
		SellExchange:    pos.SellVenue,
		SellPrice:       pos.SellPrice,
		Spread:          pos.SellPrice.Sub(pos.BuyPrice),
		SpreadPct:       pos.EntrySpreadPct,
		NetProfit:       net,
		GrossProfit:     gross,
		EventType:       schema.TradeEventExit,
		CloseTimestamp:  &now,
		ExitBuyPrice:    &buyQuote.Price,
		ExitSellPrice:   &sellQuote.Price,
		DurationSeconds: &duration,
		DecisionReason:  exitReasonConverged,
		Metadata:        map[string]any{"position_id": pos.ID.String()},
	})
	delete(e.positions, pair)

	e.closedTrades++
	e.totalNet = e.totalNet.Add(net)
	observability.Log().Info("position closed",
		observability.F("pair", pair),
		observability.F("net_profit", net),
		observability.F("gross_profit", gross),
		observability.F("duration_s", duration))
	if e.closedTrades%e.cfg.SummaryEvery == 0 {
		observability.Log().Info("paper trade summary",
			observability.F("trades", e.closedTrades),
			observability.F("total_net_profit", e.totalNet))
	}
	return nil
}
