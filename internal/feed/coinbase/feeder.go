// Package coinbase implements the Coinbase spot ticker feeder. One websocket
// connection serves one pair.
package coinbase

import (
	"context"
	"fmt"
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
	venueName  = "Coinbase"
	defaultURL = "wss://ws-feed.exchange.coinbase.com"
)

// Config sets optional overrides for the feeder.
type Config struct {
	URL              string
	ReconnectBackoff time.Duration
}

type subscribeRequest struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// Feeder ingests ticker events for a single pair.
type Feeder struct {
	pair      string
	productID string
	cache     *feed.Cache
	client    *stream.Client
}

// New prepares a Coinbase feeder for one pair.
func New(pair string, cfg Config) (*Feeder, error) {
	base, quote, err := schema.SplitPair(pair)
	if err != nil {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
	}
	productID := strings.ToUpper(base + "-" + quote)

	subscribe, err := json.Marshal(subscribeRequest{
		Type:       "subscribe",
		ProductIDs: []string{productID},
		Channels:   []string{"ticker"},
	})
	if err != nil {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
	}

	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}

	f := &Feeder{
		pair:      pair,
		productID: productID,
		cache:     feed.NewCache(),
		client:    nil,
	}
	client, err := stream.NewClient(stream.Config{
		Venue:            venueName,
		URL:              baseURL,
		Subscribe:        [][]byte{subscribe},
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
	if pair != f.pair {
		return schema.VenueQuote{}, false
	}
	return f.cache.Get(pair)
}

// State reports the stream connection state.
func (f *Feeder) State() feed.State { return f.client.State() }

// Close stops the ingest task.
func (f *Feeder) Close(ctx context.Context) error {
	return f.client.Close(ctx)
}

func (f *Feeder) handleMessage(data []byte) error {
	var msg tickerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(data)))
	}

	switch msg.Type {
	case "error":
		return errs.New(venueName, errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("%s: %s", msg.Message, msg.Reason)))
	case "ticker":
	default:
		return nil
	}
	if !strings.EqualFold(msg.ProductID, f.productID) {
		return nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("ticker price %q", msg.Price)), errs.WithCause(err))
	}

	observedAt := time.Now().UTC()
	if parsed, err := schema.ParseQuoteTimestamp(msg.Time, observedAt); err == nil {
		observedAt = parsed
	}

	f.cache.Put(f.pair, schema.VenueQuote{Venue: venueName, Price: price, ObservedAt: observedAt})
	return nil
}
