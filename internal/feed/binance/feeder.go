// Package binance implements the Binance spot ticker feeder. One combined
// websocket stream multiplexes every configured pair.
package binance

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/errs"
	"github.com/coachpo/spreadwatch/internal/feed"
	"github.com/coachpo/spreadwatch/internal/feed/stream"
	"github.com/coachpo/spreadwatch/internal/schema"
)

const (
	venueName  = "Binance"
	defaultURL = "wss://stream.binance.com:9443/stream"
)

// Config sets optional overrides for the feeder.
type Config struct {
	// URL overrides the combined-stream endpoint (tests point this at an
	// in-process server).
	URL string
	// ReconnectBackoff overrides the constant reconnect wait.
	ReconnectBackoff time.Duration
}

// Feeder ingests 24h-ticker events for a set of pairs over one connection.
type Feeder struct {
	pairsBySymbol map[string]string
	cache         *feed.Cache
	client        *stream.Client
}

// New prepares a Binance feeder for the given pairs. The stream subscribes
// to every pair's ticker channel via the combined-stream URL.
func New(pairs []string, cfg Config) (*Feeder, error) {
	if len(pairs) == 0 {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithMessage("at least one pair required"))
	}

	pairsBySymbol := make(map[string]string, len(pairs))
	streams := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		base, quote, err := schema.SplitPair(pair)
		if err != nil {
			return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
		}
		symbol := strings.ToUpper(base + quote)
		pairsBySymbol[symbol] = pair
		streams = append(streams, strings.ToLower(symbol)+"@ticker")
	}

	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}

	f := &Feeder{
		pairsBySymbol: pairsBySymbol,
		cache:         feed.NewCache(),
		client:        nil,
	}
	client, err := stream.NewClient(stream.Config{
		Venue:            venueName,
		URL:              baseURL + "?streams=" + strings.Join(streams, "/"),
		Subscribe:        nil,
		Handle:           f.handleMessage,
		KeepAlive:        stream.KeepAlive{},
		ReconnectBackoff: cfg.ReconnectBackoff,
		ReadLimit:        0,
	})
	if err != nil {
		return nil, err
	}
	f.client = client
	return f, nil
}

// Name identifies the venue.
func (f *Feeder) Name() string { return venueName }

// Connect starts the ingest task. See feed.Feeder for the contract.
func (f *Feeder) Connect(ctx context.Context) error {
	return f.client.Start(ctx)
}

// Latest returns the most recent quote for pair.
func (f *Feeder) Latest(pair string) (schema.VenueQuote, bool) {
	return f.cache.Get(pair)
}

// State reports the stream connection state.
func (f *Feeder) State() feed.State { return f.client.State() }

// Close stops the ingest task.
func (f *Feeder) Close(ctx context.Context) error {
	return f.client.Close(ctx)
}

// combinedEnvelope wraps payloads delivered over the combined stream URL.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerMessage struct {
	EventType string      `json:"e"`
	EventTime epochMillis `json:"E"`
	Symbol    string      `json:"s"`
	LastPrice string      `json:"c"`
	BidPrice  string      `json:"b"`
	AskPrice  string      `json:"a"`
}

func (f *Feeder) handleMessage(data []byte) error {
	var envelope combinedEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(data)))
	}
	if len(envelope.Data) == 0 {
		return nil
	}

	var ticker tickerMessage
	if err := json.Unmarshal(envelope.Data, &ticker); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(envelope.Data)))
	}
	if ticker.EventType != "24hrTicker" {
		return nil
	}

	pair, ok := f.pairsBySymbol[strings.ToUpper(ticker.Symbol)]
	if !ok {
		return nil
	}

	price, err := decimal.NewFromString(ticker.LastPrice)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("last price %q", ticker.LastPrice)), errs.WithCause(err))
	}

	observedAt := time.Now().UTC()
	if ticker.EventTime > 0 {
		observedAt = time.UnixMilli(int64(ticker.EventTime)).UTC()
	}

	f.cache.Put(pair, schema.VenueQuote{Venue: venueName, Price: price, ObservedAt: observedAt})
	return nil
}

// epochMillis tolerates both numeric and quoted millisecond timestamps.
type epochMillis int64

func (ts *epochMillis) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
		if len(trimmed) == 0 {
			*ts = 0
			return nil
		}
	}
	parsed, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return fmt.Errorf("binance: invalid timestamp %q", string(data))
	}
	*ts = epochMillis(parsed)
	return nil
}
