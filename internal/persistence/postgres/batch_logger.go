// Package postgres implements the batched monitor logger on top of a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/schema"
	"github.com/coachpo/spreadwatch/internal/telemetry"
)

const (
	defaultFlushInterval  = 10 * time.Second
	defaultEarlyFlushRows = 500
)

const (
	opportunityInsertSQL = `
INSERT INTO arbitrage_opportunities (
    timestamp,
    pair,
    buy_exchange,
    buy_price,
    sell_exchange,
    sell_price,
    spread,
    spread_pct
)
VALUES (
    @timestamp,
    @pair,
    @buy_exchange,
    @buy_price,
    @sell_exchange,
    @sell_price,
    @spread,
    @spread_pct
)
RETURNING id;
`

	priceInsertSQL = `
INSERT INTO exchange_prices (
    pair,
    exchange_name,
    price,
    timestamp,
    arbitrage_id
)
VALUES (
    @pair,
    @exchange_name,
    @price,
    @timestamp,
    @arbitrage_id
);
`

	tradeInsertSQL = `
INSERT INTO trade_log (
    timestamp,
    pair,
    buy_exchange,
    buy_price,
    sell_exchange,
    sell_price,
    spread,
    spread_pct,
    net_profit,
    gross_profit,
    event_type,
    close_timestamp,
    exit_buy_price,
    exit_sell_price,
    duration_seconds,
    decision_reason,
    metadata
)
VALUES (
    @timestamp,
    @pair,
    @buy_exchange,
    @buy_price,
    @sell_exchange,
    @sell_price,
    @spread,
    @spread_pct,
    @net_profit,
    @gross_profit,
    @event_type,
    @close_timestamp,
    @exit_buy_price,
    @exit_sell_price,
    @duration_seconds,
    @decision_reason,
    @metadata::jsonb
);
`
)

// Config tunes the batch logger. Zero values fall back to defaults.
type Config struct {
	// FlushInterval is the background flush cadence. Defaults to 10s.
	FlushInterval time.Duration
	// EarlyFlushRows triggers an out-of-cycle flush once the combined
	// buffered row count exceeds it. Defaults to 500.
	EarlyFlushRows int
}

// BatchLogger buffers monitor output in memory and writes it to Postgres in
// one transaction per flush. Enqueue operations never touch the database.
//
// Delivery is at most once: all three buffers are cleared when a flush
// starts, whether or not the transaction commits. Losing a batch is
// preferable to the engine ever waiting on a stalled writer.
type BatchLogger struct {
	pool *pgxpool.Pool
	cfg  Config

	mu            sync.Mutex
	opportunities []schema.OpportunityRecord
	prices        []schema.PriceRecord
	trades        []schema.TradeRecord

	earlyFlush chan struct{}
	started    atomic.Bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewBatchLogger constructs a stopped logger over the given pool.
func NewBatchLogger(pool *pgxpool.Pool, cfg Config) *BatchLogger {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.EarlyFlushRows <= 0 {
		cfg.EarlyFlushRows = defaultEarlyFlushRows
	}
	return &BatchLogger{
		pool:       pool,
		cfg:        cfg,
		earlyFlush: make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the flush timer. A second call returns an error.
func (l *BatchLogger) Start(parent context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("batch logger already started")
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	go l.run(ctx)
	return nil
}

// Close stops the timer, performs one final flush, and waits for the flush
// goroutine to finish or ctx to expire. The pool is not closed; the caller
// owns it.
func (l *BatchLogger) Close(ctx context.Context) error {
	if !l.started.Load() {
		return l.Flush(ctx)
	}
	l.cancel()
	select {
	case <-l.done:
	case <-ctx.Done():
		return fmt.Errorf("batch logger drain grace period: %w", ctx.Err())
	}
	return l.Flush(ctx)
}

// LogOpportunity enqueues a detected opportunity together with the snapshot
// quotes that produced it.
func (l *BatchLogger) LogOpportunity(rec schema.OpportunityRecord) {
	l.mu.Lock()
	l.opportunities = append(l.opportunities, rec)
	overflow := l.bufferedRows() > l.cfg.EarlyFlushRows
	l.mu.Unlock()
	if overflow {
		l.signalEarlyFlush()
	}
}

// LogPrices enqueues venue quotes not tied to any opportunity.
func (l *BatchLogger) LogPrices(pair string, quotes []schema.VenueQuote) {
	l.mu.Lock()
	for _, q := range quotes {
		l.prices = append(l.prices, schema.PriceRecord{
			Pair:         pair,
			ExchangeName: q.Venue,
			Price:        q.Price,
			Timestamp:    q.ObservedAt,
			ArbitrageID:  nil,
		})
	}
	overflow := l.bufferedRows() > l.cfg.EarlyFlushRows
	l.mu.Unlock()
	if overflow {
		l.signalEarlyFlush()
	}
}

// LogTrade enqueues a simulated trade row.
func (l *BatchLogger) LogTrade(rec schema.TradeRecord) {
	l.mu.Lock()
	l.trades = append(l.trades, rec)
	overflow := l.bufferedRows() > l.cfg.EarlyFlushRows
	l.mu.Unlock()
	if overflow {
		l.signalEarlyFlush()
	}
}

// Buffered reports the combined buffered row count, including the snapshot
// quotes attached to pending opportunities.
func (l *BatchLogger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bufferedRows()
}

func (l *BatchLogger) bufferedRows() int {
	n := len(l.opportunities) + len(l.prices) + len(l.trades)
	for _, opp := range l.opportunities {
		n += len(opp.Quotes)
	}
	return n
}

func (l *BatchLogger) signalEarlyFlush() {
	select {
	case l.earlyFlush <- struct{}{}:
	default:
	}
}

func (l *BatchLogger) run(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.earlyFlush:
		}
		if err := l.Flush(context.WithoutCancel(ctx)); err != nil {
			observability.Log().Error("batch flush failed", observability.F("error", err))
		}
	}
}

// Flush drains the buffers and writes everything in one transaction. The
// buffers are cleared before the transaction runs; a commit failure drops the
// batch rather than replaying it.
func (l *BatchLogger) Flush(ctx context.Context) error {
	l.mu.Lock()
	opportunities := l.opportunities
	prices := l.prices
	trades := l.trades
	rows := l.bufferedRows()
	l.opportunities, l.prices, l.trades = nil, nil, nil
	l.mu.Unlock()

	if rows == 0 {
		return nil
	}

	if err := l.writeBatch(ctx, opportunities, prices, trades); err != nil {
		telemetry.RecordFlushFailure()
		return err
	}
	telemetry.RecordFlush(int64(rows))
	observability.Log().Debug("batch flushed", observability.F("rows", rows))
	return nil
}

func (l *BatchLogger) writeBatch(ctx context.Context, opportunities []schema.OpportunityRecord, prices []schema.PriceRecord, trades []schema.TradeRecord) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := l.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("batch logger: begin tx: %w", err)
	}

	runErr := func() error {
		// Opportunities go first so their snapshot quotes can reference
		// the assigned ids inside the same transaction.
		for _, opp := range opportunities {
			id, err := insertOpportunity(ctx, tx, opp)
			if err != nil {
				return err
			}
			for _, q := range opp.Quotes {
				prices = append(prices, schema.PriceRecord{
					Pair:         opp.Pair,
					ExchangeName: q.Venue,
					Price:        q.Price,
					Timestamp:    q.ObservedAt,
					ArbitrageID:  &id,
				})
			}
		}
		if err := insertPrices(ctx, tx, prices); err != nil {
			return err
		}
		return insertTrades(ctx, tx, trades)
	}()

	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("batch logger: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("batch logger: commit tx: %w", err)
	}
	return nil
}

func insertOpportunity(ctx context.Context, tx pgx.Tx, rec schema.OpportunityRecord) (int64, error) {
	buyPrice, err := numericFromDecimal(rec.BuyPrice)
	if err != nil {
		return 0, fmt.Errorf("opportunity buy price: %w", err)
	}
	sellPrice, err := numericFromDecimal(rec.SellPrice)
	if err != nil {
		return 0, fmt.Errorf("opportunity sell price: %w", err)
	}
	spread, err := numericFromDecimal(rec.Spread)
	if err != nil {
		return 0, fmt.Errorf("opportunity spread: %w", err)
	}
	spreadPct, err := numericFromDecimal(rec.SpreadPct.Round(4))
	if err != nil {
		return 0, fmt.Errorf("opportunity spread pct: %w", err)
	}

	var id int64
	err = tx.QueryRow(ctx, opportunityInsertSQL, pgx.NamedArgs{
		"timestamp":     rec.Timestamp,
		"pair":          rec.Pair,
		"buy_exchange":  rec.BuyExchange,
		"buy_price":     buyPrice,
		"sell_exchange": rec.SellExchange,
		"sell_price":    sellPrice,
		"spread":        spread,
		"spread_pct":    spreadPct,
	}).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert opportunity: %w", err)
	}
	return id, nil
}

func insertPrices(ctx context.Context, tx pgx.Tx, prices []schema.PriceRecord) error {
	if len(prices) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range prices {
		price, err := numericFromDecimal(rec.Price)
		if err != nil {
			return fmt.Errorf("price row: %w", err)
		}
		batch.Queue(priceInsertSQL, pgx.NamedArgs{
			"pair":          rec.Pair,
			"exchange_name": rec.ExchangeName,
			"price":         price,
			"timestamp":     rec.Timestamp,
			"arbitrage_id":  rec.ArbitrageID,
		})
	}
	return sendBatch(ctx, tx, batch, "insert prices")
}

func insertTrades(ctx context.Context, tx pgx.Tx, trades []schema.TradeRecord) error {
	if len(trades) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range trades {
		args, err := tradeArgs(rec)
		if err != nil {
			return err
		}
		batch.Queue(tradeInsertSQL, args)
	}
	return sendBatch(ctx, tx, batch, "insert trades")
}

func tradeArgs(rec schema.TradeRecord) (pgx.NamedArgs, error) {
	buyPrice, err := numericFromDecimal(rec.BuyPrice)
	if err != nil {
		return nil, fmt.Errorf("trade buy price: %w", err)
	}
	sellPrice, err := numericFromDecimal(rec.SellPrice)
	if err != nil {
		return nil, fmt.Errorf("trade sell price: %w", err)
	}
	spread, err := numericFromDecimal(rec.Spread)
	if err != nil {
		return nil, fmt.Errorf("trade spread: %w", err)
	}
	spreadPct, err := numericFromDecimal(rec.SpreadPct.Round(4))
	if err != nil {
		return nil, fmt.Errorf("trade spread pct: %w", err)
	}
	netProfit, err := numericFromDecimal(rec.NetProfit)
	if err != nil {
		return nil, fmt.Errorf("trade net profit: %w", err)
	}
	grossProfit, err := numericFromDecimal(rec.GrossProfit)
	if err != nil {
		return nil, fmt.Errorf("trade gross profit: %w", err)
	}
	exitBuy, err := numericFromOptional(rec.ExitBuyPrice)
	if err != nil {
		return nil, fmt.Errorf("trade exit buy price: %w", err)
	}
	exitSell, err := numericFromOptional(rec.ExitSellPrice)
	if err != nil {
		return nil, fmt.Errorf("trade exit sell price: %w", err)
	}

	eventType := rec.EventType
	if eventType == "" {
		eventType = schema.TradeEventEntry
	}

	var metadata any
	if rec.Metadata != nil {
		encoded, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("trade metadata: %w", err)
		}
		metadata = string(encoded)
	}

	return pgx.NamedArgs{
		"timestamp":        rec.Timestamp,
		"pair":             rec.Pair,
		"buy_exchange":     rec.BuyExchange,
		"buy_price":        buyPrice,
		"sell_exchange":    rec.SellExchange,
		"sell_price":       sellPrice,
		"spread":           spread,
		"spread_pct":       spreadPct,
		"net_profit":       netProfit,
		"gross_profit":     grossProfit,
		"event_type":       eventType,
		"close_timestamp":  rec.CloseTimestamp,
		"exit_buy_price":   exitBuy,
		"exit_sell_price":  exitSell,
		"duration_seconds": rec.DurationSeconds,
		"decision_reason":  rec.DecisionReason,
		"metadata":         metadata,
	}, nil
}

func sendBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, action string) error {
	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("%s: %w", action, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("%s: close batch: %w", action, err)
	}
	return nil
}
