// Package hyperliquid implements the Hyperliquid L2-book feeder. The quote is
// derived as the mid of the best bid and ask; one-sided books carry no price
// and are dropped.
package hyperliquid

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
	venueName    = "Hyperliquid"
	defaultURL   = "wss://api.hyperliquid.xyz/ws"
	pingInterval = 30 * time.Second
)

// Config sets optional overrides for the feeder.
type Config struct {
	URL              string
	ReconnectBackoff time.Duration
}

type subscription struct {
	Type string `json:"type"`
	Pair string `json:"pair"`
}

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type bookLevel struct {
	Price string `json:"px"`
	Size  string `json:"sz"`
}

type bookData struct {
	Coin   string        `json:"coin"`
	Levels [][]bookLevel `json:"levels"`
	Time   int64         `json:"time"`
}

type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Feeder ingests L2-book updates for a set of pairs over one connection.
type Feeder struct {
	pairsByMarket map[string]string
	cache         *feed.Cache
	client        *stream.Client
}

// New prepares a Hyperliquid feeder for the given pairs.
func New(pairs []string, cfg Config) (*Feeder, error) {
	if len(pairs) == 0 {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithMessage("at least one pair required"))
	}

	pairsByMarket := make(map[string]string, len(pairs))
	subscribes := make([][]byte, 0, len(pairs))
	for _, pair := range pairs {
		base, quote, err := schema.SplitPair(pair)
		if err != nil {
			return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
		}
		market := strings.ToUpper(base + "-" + quote)
		pairsByMarket[market] = pair
		msg, err := json.Marshal(subscribeRequest{
			Method:       "subscribe",
			Subscription: subscription{Type: "l2Book", Pair: market},
		})
		if err != nil {
			return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
		}
		subscribes = append(subscribes, msg)
	}

	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}

	f := &Feeder{
		pairsByMarket: pairsByMarket,
		cache:         feed.NewCache(),
		client:        nil,
	}
	client, err := stream.NewClient(stream.Config{
		Venue:            venueName,
		URL:              baseURL,
		Subscribe:        subscribes,
		Handle:           f.handleMessage,
		KeepAlive:        stream.KeepAlive{Message: []byte(`{"method":"ping"}`), Interval: pingInterval},
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

func (f *Feeder) handleMessage(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(data)))
	}
	if env.Channel != "l2Book" || len(env.Data) == 0 {
		return nil
	}

	var book bookData
	if err := json.Unmarshal(env.Data, &book); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(env.Data)))
	}

	pair, ok := f.pairsByMarket[strings.ToUpper(book.Coin)]
	if !ok {
		return nil
	}

	// levels[0] is the bid side, levels[1] the ask side. A book missing
	// either side has no mid.
	if len(book.Levels) < 2 || len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return nil
	}
	bestBid, err := decimal.NewFromString(book.Levels[0][0].Price)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("bid price %q", book.Levels[0][0].Price)), errs.WithCause(err))
	}
	bestAsk, err := decimal.NewFromString(book.Levels[1][0].Price)
	if err != nil {
		return errs.New(venueName, errs.CodeParse,
			errs.WithMessage(fmt.Sprintf("ask price %q", book.Levels[1][0].Price)), errs.WithCause(err))
	}
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))

	observedAt := time.Now().UTC()
	if book.Time > 0 {
		observedAt = time.UnixMilli(book.Time).UTC()
	}

	f.cache.Put(pair, schema.VenueQuote{Venue: venueName, Price: mid, ObservedAt: observedAt})
	return nil
}
