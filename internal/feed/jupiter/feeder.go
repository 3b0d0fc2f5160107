// Package jupiter implements the Jupiter DEX-aggregator feeder. There is no
// streaming endpoint; the feeder polls the quote API and derives the price
// from the returned swap amounts.
package jupiter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/spreadwatch/errs"
	"github.com/coachpo/spreadwatch/internal/feed"
	"github.com/coachpo/spreadwatch/internal/observability"
	"github.com/coachpo/spreadwatch/internal/schema"
	"github.com/coachpo/spreadwatch/internal/telemetry"
)

const (
	venueName       = "Jupiter"
	defaultURL      = "https://quote-api.jup.ag/v6/quote"
	defaultInterval = 200 * time.Millisecond
	defaultBackoff  = 5 * time.Second
	defaultSlippage = 50 // basis points
	requestTimeout  = 10 * time.Second
)

// Token identifies an SPL token the quote API can route.
type Token struct {
	Mint     string `yaml:"mint"`
	Decimals int    `yaml:"decimals"`
}

// Config describes the poller. Tokens must cover both legs of the pair;
// quoting a pair with an unknown token is a construction error.
type Config struct {
	URL              string
	Tokens           map[string]Token
	TradeAmount      decimal.Decimal
	SlippageBps      int
	PollInterval     time.Duration
	ReconnectBackoff time.Duration
	HTTPClient       *http.Client
}

type quoteResponse struct {
	OutAmount string `json:"outAmount"`
	Error     string `json:"error"`
}

// Feeder polls quotes for a single pair.
type Feeder struct {
	pair        string
	quoteURL    string
	tradeAmount decimal.Decimal
	outScale    decimal.Decimal

	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration

	cache   *feed.Cache
	state   atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New prepares a Jupiter feeder for one pair.
func New(pair string, cfg Config) (*Feeder, error) {
	base, quote, err := schema.SplitPair(pair)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
	}
	inToken, ok := cfg.Tokens[strings.ToUpper(base)]
	if !ok {
		return nil, errs.New(venueName, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("no token mint configured for %s", base)))
	}
	outToken, ok := cfg.Tokens[strings.ToUpper(quote)]
	if !ok {
		return nil, errs.New(venueName, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("no token mint configured for %s", quote)))
	}

	tradeAmount := cfg.TradeAmount
	if tradeAmount.Sign() <= 0 {
		tradeAmount = decimal.NewFromInt(10)
	}
	slippage := cfg.SlippageBps
	if slippage <= 0 {
		slippage = defaultSlippage
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	reconnect := cfg.ReconnectBackoff
	if reconnect <= 0 {
		reconnect = defaultBackoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}

	// The quote request swaps tradeAmount of the base token; the price is
	// the quote-token output per unit of base.
	inAmount := tradeAmount.Shift(int32(inToken.Decimals)).Truncate(0)
	params := url.Values{}
	params.Set("inputMint", inToken.Mint)
	params.Set("outputMint", outToken.Mint)
	params.Set("amount", inAmount.String())
	params.Set("slippageBps", fmt.Sprintf("%d", slippage))

	return &Feeder{
		pair:        pair,
		quoteURL:    baseURL + "?" + params.Encode(),
		tradeAmount: tradeAmount,
		outScale:    decimal.New(1, int32(outToken.Decimals)),
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		backoff:     reconnect,
		cache:       feed.NewCache(),
		done:        make(chan struct{}),
	}, nil
}

// Name identifies the venue.
func (f *Feeder) Name() string { return venueName }

// Connect starts the poll loop. It does not wait for the first quote. A
// second call returns an error.
func (f *Feeder) Connect(ctx context.Context) error {
	if !f.started.CompareAndSwap(false, true) {
		return errs.New(venueName, errs.CodeUnavailable, errs.WithMessage("poller already started"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pollCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	go f.run(pollCtx)
	return nil
}

// Latest returns the most recent quote for pair.
func (f *Feeder) Latest(pair string) (schema.VenueQuote, bool) {
	if pair != f.pair {
		return schema.VenueQuote{}, false
	}
	return f.cache.Get(pair)
}

// State reports the poller state.
func (f *Feeder) State() feed.State { return feed.State(f.state.Load()) }

// Close stops the poll loop and waits for it to finish or ctx to expire.
func (f *Feeder) Close(ctx context.Context) error {
	if !f.started.Load() {
		return nil
	}
	f.cancel()
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return errs.New(venueName, errs.CodeUnavailable,
			errs.WithMessage("poll loop did not stop within grace period"), errs.WithCause(ctx.Err()))
	}
}

func (f *Feeder) run(ctx context.Context) {
	defer close(f.done)
	defer f.state.Store(int32(feed.StateDisconnected))

	policy := backoff.NewConstantBackOff(f.backoff)
	for {
		if err := f.limiter.Wait(ctx); err != nil {
			return
		}
		if err := f.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.state.Store(int32(feed.StateReconnecting))
			telemetry.RecordReconnect(venueName)
			observability.Log().Error("venue poll fault",
				observability.F("venue", venueName),
				observability.F("pair", f.pair),
				observability.F("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
			continue
		}
		f.state.Store(int32(feed.StateConnected))
	}
}

func (f *Feeder) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.quoteURL, nil)
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithCause(err))
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithCause(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.New(venueName, errs.CodeNetwork, errs.WithCause(err))
	}
	if resp.StatusCode != http.StatusOK {
		return errs.New(venueName, errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("quote status %d", resp.StatusCode)),
			errs.WithRawMessage(string(body)))
	}

	var quote quoteResponse
	if err := json.Unmarshal(body, &quote); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(body)))
	}
	if quote.Error != "" {
		return errs.New(venueName, errs.CodeExchange, errs.WithMessage(quote.Error))
	}

	outAmount, err := decimal.NewFromString(quote.OutAmount)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("outAmount %q", quote.OutAmount)), errs.WithCause(err))
	}

	price := outAmount.Div(f.outScale).Div(f.tradeAmount)
	f.cache.Put(f.pair, schema.VenueQuote{Venue: venueName, Price: price, ObservedAt: time.Now().UTC()})
	return nil
}
