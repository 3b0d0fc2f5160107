// Package okx implements the OKX spot ticker feeder. A single public
// websocket connection multiplexes the tickers channel for every configured
// pair.
package okx

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
	venueName    = "OKX"
	defaultURL   = "wss://ws.okx.com:8443/ws/v5/public"
	pingInterval = 20 * time.Second
)

// Config sets optional overrides for the feeder.
type Config struct {
	URL              string
	ReconnectBackoff time.Duration
}

type wsArgument struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`
}

type wsRequest struct {
	Op   string       `json:"op"`
	Args []wsArgument `json:"args"`
}

type wsEnvelope struct {
	Arg   wsArgument        `json:"arg"`
	Data  []json.RawMessage `json:"data"`
	Event string            `json:"event"`
	Code  string            `json:"code"`
	Msg   string            `json:"msg"`
}

type tickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

// Feeder ingests ticker events for a set of pairs over one connection.
type Feeder struct {
	pairsByInst map[string]string
	cache       *feed.Cache
	client      *stream.Client
}

// New prepares an OKX feeder for the given pairs.
func New(pairs []string, cfg Config) (*Feeder, error) {
	if len(pairs) == 0 {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithMessage("at least one pair required"))
	}

	pairsByInst := make(map[string]string, len(pairs))
	args := make([]wsArgument, 0, len(pairs))
	for _, pair := range pairs {
		base, quote, err := schema.SplitPair(pair)
		if err != nil {
			return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
		}
		instID := strings.ToUpper(base + "-" + quote)
		pairsByInst[instID] = pair
		args = append(args, wsArgument{Channel: "tickers", InstID: instID})
	}

	subscribe, err := json.Marshal(wsRequest{Op: "subscribe", Args: args})
	if err != nil {
		return nil, errs.New(venueName, errs.CodeConfig, errs.WithCause(err))
	}

	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = defaultURL
	}

	f := &Feeder{
		pairsByInst: pairsByInst,
		cache:       feed.NewCache(),
		client:      nil,
	}
	client, err := stream.NewClient(stream.Config{
		Venue:            venueName,
		URL:              baseURL,
		Subscribe:        [][]byte{subscribe},
		Handle:           f.handleMessage,
		KeepAlive:        stream.KeepAlive{Message: []byte("ping"), Interval: pingInterval},
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
	if bytes.Equal(bytes.TrimSpace(data), []byte("pong")) {
		return nil
	}

	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(data)))
	}
	if envelope.Event == "error" {
		return errs.New(venueName, errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("code %s: %s", envelope.Code, envelope.Msg)))
	}
	if envelope.Arg.Channel != "tickers" || len(envelope.Data) == 0 {
		return nil
	}

	pair, ok := f.pairsByInst[strings.ToUpper(envelope.Arg.InstID)]
	if !ok {
		return nil
	}

	for _, raw := range envelope.Data {
		var ticker tickerData
		if err := json.Unmarshal(raw, &ticker); err != nil {
			return errs.New(venueName, errs.CodeParse, errs.WithCause(err), errs.WithRawMessage(string(raw)))
		}
		price, err := decimal.NewFromString(ticker.Last)
		if err != nil {
			return errs.New(venueName, errs.CodeParse,
				errs.WithMessage(fmt.Sprintf("last price %q", ticker.Last)), errs.WithCause(err))
		}

		observedAt := time.Now().UTC()
		if millis, err := strconv.ParseInt(ticker.TS, 10, 64); err == nil && millis > 0 {
			observedAt = time.UnixMilli(millis).UTC()
		}

		f.cache.Put(pair, schema.VenueQuote{Venue: venueName, Price: price, ObservedAt: observedAt})
	}
	return nil
}
