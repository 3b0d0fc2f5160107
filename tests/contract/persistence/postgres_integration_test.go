package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/spreadwatch/internal/persistence"
	"github.com/coachpo/spreadwatch/internal/persistence/postgres"
	"github.com/coachpo/spreadwatch/internal/schema"
)

var (
	testCfg     persistence.Config
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "postgres"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 1
	if err := resolveConfig(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func resolveConfig(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testCfg = persistence.Config{
		Host:     host,
		Port:     port.Int(),
		Database: "spreadwatch",
		User:     "postgres",
		Password: "secret",
	}
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requirePool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testPool == nil {
		t.Skip("bootstrap did not run")
	}
	return testPool
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		"TRUNCATE exchange_prices, trade_log, arbitrage_opportunities RESTART IDENTITY")
	require.NoError(t, err)
}

// TestBootstrapIdempotent runs first and leaves the pool behind for the data
// tests: creating the database and applying migrations must both survive a
// second pass untouched.
func TestBootstrapIdempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, persistence.EnsureDatabase(ctx, testCfg))
	require.NoError(t, persistence.EnsureDatabase(ctx, testCfg))
	require.NoError(t, persistence.EnsureTables(ctx, testCfg))
	require.NoError(t, persistence.EnsureTables(ctx, testCfg))

	pool, err := persistence.NewPool(ctx, testCfg)
	require.NoError(t, err)
	testPool = pool

	for _, table := range []string{"arbitrage_opportunities", "exchange_prices", "trade_log"} {
		var exists bool
		err := pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		require.NoError(t, err)
		require.True(t, exists, "table %s missing", table)
	}
}

func TestFlushWritesOneTransaction(t *testing.T) {
	pool := requirePool(t)
	truncateAll(t, pool)
	ctx := context.Background()

	observedAt := time.Date(2026, time.January, 15, 14, 3, 59, 0, time.UTC)
	logger := postgres.NewBatchLogger(pool, postgres.Config{})
	logger.LogOpportunity(schema.OpportunityRecord{
		Timestamp:    observedAt,
		Pair:         "ADA/USDC",
		BuyExchange:  "OKX",
		BuyPrice:     dec("0.7100"),
		SellExchange: "Coinbase",
		SellPrice:    dec("0.7160"),
		Spread:       dec("0.0060"),
		SpreadPct:    dec("0.8451"),
		Quotes: []schema.VenueQuote{
			{Venue: "OKX", Price: dec("0.7100"), ObservedAt: observedAt},
			{Venue: "Coinbase", Price: dec("0.7160"), ObservedAt: observedAt},
			{Venue: "Hyperliquid", Price: dec("0.7130"), ObservedAt: observedAt},
		},
	})
	logger.LogPrices("XRP/USDC", []schema.VenueQuote{
		{Venue: "OKX", Price: dec("2.41"), ObservedAt: observedAt},
		{Venue: "Coinbase", Price: dec("2.42"), ObservedAt: observedAt},
	})
	require.Equal(t, 6, logger.Buffered())
	require.NoError(t, logger.Flush(ctx))
	require.Equal(t, 0, logger.Buffered())

	var opportunityCount int
	require.NoError(t, pool.QueryRow(ctx, "SELECT COUNT(*) FROM arbitrage_opportunities").Scan(&opportunityCount))
	require.Equal(t, 1, opportunityCount)

	var tagged, untagged int
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT COUNT(*) FILTER (WHERE arbitrage_id IS NOT NULL), COUNT(*) FILTER (WHERE arbitrage_id IS NULL) FROM exchange_prices").
		Scan(&tagged, &untagged))
	require.Equal(t, 3, tagged, "snapshot quotes must reference the opportunity")
	require.Equal(t, 2, untagged, "standalone prices carry no reference")

	// Every tagged price joins back to an opportunity for the same pair.
	var mismatched int
	require.NoError(t, pool.QueryRow(ctx, `
SELECT COUNT(*)
FROM exchange_prices p
JOIN arbitrage_opportunities o ON o.id = p.arbitrage_id
WHERE p.pair <> o.pair`).Scan(&mismatched))
	require.Zero(t, mismatched)
}

func TestTradeRowPersistsExitFields(t *testing.T) {
	pool := requirePool(t)
	truncateAll(t, pool)
	ctx := context.Background()

	entryTime := time.Date(2026, time.January, 15, 14, 0, 0, 0, time.UTC)
	closeTime := entryTime.Add(42 * time.Second)
	exitBuy := dec("0.7130")
	exitSell := dec("0.7133")
	duration := 42

	logger := postgres.NewBatchLogger(pool, postgres.Config{})
	logger.LogTrade(schema.TradeRecord{
		Timestamp:       entryTime,
		Pair:            "ADA/USDC",
		BuyExchange:     "OKX",
		BuyPrice:        dec("0.7100"),
		SellExchange:    "Coinbase",
		SellPrice:       dec("0.7160"),
		Spread:          dec("0.0060"),
		SpreadPct:       dec("0.8451"),
		NetProfit:       dec("0.4805"),
		GrossProfit:     dec("3.4948"),
		EventType:       schema.TradeEventExit,
		CloseTimestamp:  &closeTime,
		ExitBuyPrice:    &exitBuy,
		ExitSellPrice:   &exitSell,
		DurationSeconds: &duration,
		DecisionReason:  "spread_converged",
		Metadata:        map[string]any{"position_id": "e5b0c4a0-0000-0000-0000-000000000000"},
	})
	require.NoError(t, logger.Flush(ctx))

	var (
		eventType      string
		decisionReason string
		durationOut    int
		metadataRaw    []byte
		ts             time.Time
	)
	require.NoError(t, pool.QueryRow(ctx, `
SELECT event_type, decision_reason, duration_seconds, metadata, timestamp
FROM trade_log`).Scan(&eventType, &decisionReason, &durationOut, &metadataRaw, &ts))
	require.Equal(t, "EXIT", eventType)
	require.Equal(t, "spread_converged", decisionReason)
	require.Equal(t, 42, durationOut)
	require.True(t, ts.Equal(entryTime), "trade timestamp must be the entry time")

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(metadataRaw, &metadata))
	require.Equal(t, "e5b0c4a0-0000-0000-0000-000000000000", metadata["position_id"])
}

func TestEntryDefaultEventType(t *testing.T) {
	pool := requirePool(t)
	truncateAll(t, pool)
	ctx := context.Background()

	logger := postgres.NewBatchLogger(pool, postgres.Config{})
	logger.LogTrade(schema.TradeRecord{
		Timestamp:    time.Now().UTC(),
		Pair:         "ADA/USDC",
		BuyExchange:  "OKX",
		BuyPrice:     dec("0.7100"),
		SellExchange: "Coinbase",
		SellPrice:    dec("0.7160"),
		Spread:       dec("0.0060"),
		SpreadPct:    dec("0.8451"),
		NetProfit:    dec("0"),
		GrossProfit:  dec("0"),
	})
	require.NoError(t, logger.Flush(ctx))

	var eventType string
	require.NoError(t, pool.QueryRow(ctx, "SELECT event_type FROM trade_log").Scan(&eventType))
	require.Equal(t, "ENTRY", eventType)
}

// TestRollbackRestoresCleanSlate runs last; it tears the schema down a step
// and reapplies it.
func TestRollbackRestoresCleanSlate(t *testing.T) {
	pool := requirePool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	require.NoError(t, persistence.Rollback(ctx, testCfg, 1))

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'trade_log')").Scan(&exists))
	require.False(t, exists, "rollback must drop the monitor tables")

	require.NoError(t, persistence.EnsureTables(ctx, testCfg))
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'trade_log')").Scan(&exists))
	require.True(t, exists, "migrations must reapply after rollback")
}
