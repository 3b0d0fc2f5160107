package okx

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/errs"
)

func newTestFeeder(t *testing.T) *Feeder {
	t.Helper()
	f, err := New([]string{"ADA/USDC"}, Config{})
	if err != nil {
		t.Fatalf("new feeder: %v", err)
	}
	return f
}

func TestHandlePongSkipped(t *testing.T) {
	f := newTestFeeder(t)
	if err := f.handleMessage([]byte("pong")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := f.handleMessage([]byte("  pong\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHandleTicker(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"arg":{"channel":"tickers","instId":"ADA-USDC"},"data":[{"instId":"ADA-USDC","last":"0.7110","ts":"1736951039123"}]}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	quote, ok := f.Latest("ADA/USDC")
	if !ok {
		t.Fatal("expected a cached quote")
	}
	if !quote.Price.Equal(decimal.RequireFromString("0.7110")) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	want := time.UnixMilli(1736951039123).UTC()
	if !quote.ObservedAt.Equal(want) {
		t.Fatalf("expected venue timestamp %v, got %v", want, quote.ObservedAt)
	}
}

func TestHandleErrorEvent(t *testing.T) {
	f := newTestFeeder(t)
	err := f.handleMessage([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope.Code != errs.CodeExchange {
		t.Fatalf("expected exchange error, got %v", err)
	}
}

func TestHandleSubscribeAck(t *testing.T) {
	f := newTestFeeder(t)
	if err := f.handleMessage([]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"ADA-USDC"}}`)); err != nil {
		t.Fatalf("acks must be ignored: %v", err)
	}
}

func TestHandleIgnoresUnknownInstrument(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"arg":{"channel":"tickers","instId":"BTC-USDC"},"data":[{"instId":"BTC-USDC","last":"98000.5","ts":"1"}]}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("unknown instrument must not populate the cache")
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newTestFeeder(t)
	var envelope *errs.E
	if err := f.handleMessage([]byte(`{not json`)); !errors.As(err, &envelope) || envelope.Code != errs.CodeParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	bad := []byte(`{"arg":{"channel":"tickers","instId":"ADA-USDC"},"data":[{"instId":"ADA-USDC","last":"nope","ts":"1"}]}`)
	if err := f.handleMessage(bad); !errors.As(err, &envelope) || envelope.Code != errs.CodeParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}
