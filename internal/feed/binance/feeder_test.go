package binance

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

func errCode(t *testing.T, err error) errs.Code {
	t.Helper()
	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatalf("expected venue error, got %T: %v", err, err)
	}
	return envelope.Code
}

func TestHandleTicker(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"stream":"adausdc@ticker","data":{"e":"24hrTicker","E":1736951039000,"s":"ADAUSDC","c":"0.7105","b":"0.7104","a":"0.7106"}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	quote, ok := f.Latest("ADA/USDC")
	if !ok {
		t.Fatal("expected a cached quote")
	}
	if !quote.Price.Equal(decimal.RequireFromString("0.7105")) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if quote.Venue != "Binance" {
		t.Fatalf("unexpected venue %s", quote.Venue)
	}
	want := time.UnixMilli(1736951039000).UTC()
	if !quote.ObservedAt.Equal(want) {
		t.Fatalf("expected venue timestamp %v, got %v", want, quote.ObservedAt)
	}
}

func TestHandleQuotedEventTime(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"stream":"adausdc@ticker","data":{"e":"24hrTicker","E":"1736951039000","s":"ADAUSDC","c":"0.7105"}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); !ok {
		t.Fatal("expected a cached quote")
	}
}

func TestHandleIgnoresUnknownSymbol(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"stream":"btcusdc@ticker","data":{"e":"24hrTicker","s":"BTCUSDC","c":"98000.12"}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("unknown symbol must not populate the cache")
	}
}

func TestHandleIgnoresOtherEvents(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"stream":"adausdc@depth","data":{"e":"depthUpdate","s":"ADAUSDC"}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("non-ticker events must be ignored")
	}
}

func TestHandleMalformedPayload(t *testing.T) {
	f := newTestFeeder(t)
	if code := errCode(t, f.handleMessage([]byte(`{not json`))); code != errs.CodeParse {
		t.Fatalf("expected parse code, got %s", code)
	}
	bad := []byte(`{"stream":"adausdc@ticker","data":{"e":"24hrTicker","s":"ADAUSDC","c":"not-a-price"}}`)
	if code := errCode(t, f.handleMessage(bad)); code != errs.CodeParse {
		t.Fatalf("expected parse code, got %s", code)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Fatal("expected error for empty pair list")
	}
	if _, err := New([]string{"ADAUSDC"}, Config{}); err == nil {
		t.Fatal("expected error for malformed pair")
	}
}
