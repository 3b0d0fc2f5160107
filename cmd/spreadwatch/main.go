// Command spreadwatch launches the live cross-venue arbitrage monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/spreadwatch/errs"
	"github.com/coachpo/spreadwatch/internal/config"
	"github.com/coachpo/spreadwatch/internal/engine"
	"github.com/coachpo/spreadwatch/internal/feed"
	"github.com/coachpo/spreadwatch/internal/feed/binance"
	"github.com/coachpo/spreadwatch/internal/feed/coinbase"
	"github.com/coachpo/spreadwatch/internal/feed/hyperliquid"
	"github.com/coachpo/spreadwatch/internal/feed/jupiter"
	"github.com/coachpo/spreadwatch/internal/feed/okx"
	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/persistence"
	"github.com/coachpo/spreadwatch/internal/persistence/postgres"
	"github.com/coachpo/spreadwatch/internal/telemetry"
)

const (
	loggerPrefix             = "spreadwatch "
	bootstrapTimeout         = 30 * time.Second
	shutdownTimeout          = 30 * time.Second
	feederShutdownTimeout    = 10 * time.Second
	loggerShutdownTimeout    = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file (default: config/spreadwatch.yaml)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Verbose || *verbose))
	logger.Printf("configuration initialised: pairs=%d, database=%s@%s:%d/%s",
		len(cfg.Pairs), cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)

	telemetryProvider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	bootstrapCtx, bootstrapCancel := context.WithTimeout(ctx, bootstrapTimeout)
	pool, err := persistence.Bootstrap(bootstrapCtx, persistence.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
	})
	bootstrapCancel()
	if err != nil {
		logger.Fatalf("bootstrap database: %v", err)
	}
	defer pool.Close()

	batchLogger := postgres.NewBatchLogger(pool, postgres.Config{
		FlushInterval:  cfg.Flush.Interval,
		EarlyFlushRows: cfg.Flush.EarlyFlushRows,
	})
	if err := batchLogger.Start(ctx); err != nil {
		logger.Fatalf("start batch logger: %v", err)
	}

	matrix := buildMatrix(ctx, logger, cfg)
	if len(matrix.Pairs()) == 0 {
		logger.Fatalf("no venue feeders started; nothing to monitor")
	}

	eng := engine.New(matrix, batchLogger, engine.Config{
		TickInterval: cfg.Engine.TickInterval,
	})
	telemetry.RegisterOpenPositions(eng.OpenCount)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		_ = eng.Run(ctx)
	})

	logger.Print("monitor started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, &lifecycle, matrix, batchLogger, telemetryProvider)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

// buildMatrix constructs and connects every enabled feeder. A venue that
// fails to configure or connect is skipped; the monitor runs with whatever
// venues came up.
func buildMatrix(ctx context.Context, logger *log.Logger, cfg config.Config) *feed.Matrix {
	matrix := feed.NewMatrix()

	startMultiPair := func(name string, feeder feed.Feeder, err error) {
		if err != nil {
			logger.Printf("venue %s disabled: %v", name, err)
			return
		}
		if err := feeder.Connect(ctx); err != nil {
			logger.Printf("venue %s failed to start: %v", name, err)
			return
		}
		for _, pair := range cfg.Pairs {
			matrix.Add(pair, feeder)
		}
		logger.Printf("venue %s started: pairs=%d", name, len(cfg.Pairs))
	}

	if !cfg.Binance.Disabled {
		feeder, err := binance.New(cfg.Pairs, binance.Config{
			URL:              cfg.Binance.URL,
			ReconnectBackoff: cfg.Binance.ReconnectBackoff,
		})
		startMultiPair("Binance", feeder, err)
	}
	if !cfg.OKX.Disabled {
		feeder, err := okx.New(cfg.Pairs, okx.Config{
			URL:              cfg.OKX.URL,
			ReconnectBackoff: cfg.OKX.ReconnectBackoff,
		})
		startMultiPair("OKX", feeder, err)
	}
	if !cfg.Hyperliquid.Disabled {
		feeder, err := hyperliquid.New(cfg.Pairs, hyperliquid.Config{
			URL:              cfg.Hyperliquid.URL,
			ReconnectBackoff: cfg.Hyperliquid.ReconnectBackoff,
		})
		startMultiPair("Hyperliquid", feeder, err)
	}

	if !cfg.Coinbase.Disabled {
		for _, pair := range cfg.Pairs {
			feeder, err := coinbase.New(pair, coinbase.Config{
				URL:              cfg.Coinbase.URL,
				ReconnectBackoff: cfg.Coinbase.ReconnectBackoff,
			})
			if err := startPerPair(ctx, logger, "Coinbase", pair, feeder, err); err == nil {
				matrix.Add(pair, feeder)
			}
		}
	}
	if !cfg.Jupiter.Disabled {
		jupiterCfg, err := buildJupiterConfig(cfg.Jupiter)
		if err != nil {
			logger.Printf("venue Jupiter disabled: %v", err)
		} else {
			for _, pair := range cfg.Pairs {
				feeder, err := jupiter.New(pair, jupiterCfg)
				if err := startPerPair(ctx, logger, "Jupiter", pair, feeder, err); err == nil {
					matrix.Add(pair, feeder)
				}
			}
		}
	}

	return matrix
}

func startPerPair(ctx context.Context, logger *log.Logger, name, pair string, feeder feed.Feeder, err error) error {
	if err != nil {
		logger.Printf("venue %s pair %s disabled: %v", name, pair, err)
		return err
	}
	if err := feeder.Connect(ctx); err != nil {
		logger.Printf("venue %s pair %s failed to start: %v", name, pair, err)
		return err
	}
	return nil
}

func buildJupiterConfig(cfg config.JupiterConfig) (jupiter.Config, error) {
	tokens := make(map[string]jupiter.Token, len(cfg.Tokens))
	for symbol, token := range cfg.Tokens {
		tokens[symbol] = jupiter.Token{Mint: token.Mint, Decimals: token.Decimals}
	}
	var tradeAmount decimal.Decimal
	if cfg.TradeAmount != "" {
		parsed, err := decimal.NewFromString(cfg.TradeAmount)
		if err != nil {
			return jupiter.Config{}, errs.New("Jupiter", errs.CodeConfig,
				errs.WithMessage(fmt.Sprintf("trade amount %q", cfg.TradeAmount)), errs.WithCause(err))
		}
		tradeAmount = parsed
	}
	return jupiter.Config{
		URL:          cfg.URL,
		Tokens:       tokens,
		TradeAmount:  tradeAmount,
		PollInterval: cfg.PollInterval,
	}, nil
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, lifecycle *conc.WaitGroup, matrix *feed.Matrix, batchLogger *postgres.BatchLogger, telemetryProvider *telemetry.Provider) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	shutdownStep("waiting for engine", feederShutdownTimeout, func(stepCtx context.Context) error {
		done := make(chan struct{})
		go func() {
			lifecycle.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout waiting for engine: %w", stepCtx.Err())
		}
	})

	shutdownStep("closing venue feeders", feederShutdownTimeout, func(stepCtx context.Context) error {
		return matrix.Shutdown(stepCtx)
	})

	shutdownStep("draining batch logger", loggerShutdownTimeout, func(stepCtx context.Context) error {
		return batchLogger.Close(stepCtx)
	})

	shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
		return telemetryProvider.Shutdown(stepCtx)
	})
}
