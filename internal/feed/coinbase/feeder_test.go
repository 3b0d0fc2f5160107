package coinbase

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/errs"
)

func newTestFeeder(t *testing.T) *Feeder {
	t.Helper()
	f, err := New("ADA/USDC", Config{})
	if err != nil {
		t.Fatalf("new feeder: %v", err)
	}
	return f
}

func TestHandleTicker(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"type":"ticker","product_id":"ADA-USDC","price":"0.7102","time":"2026-01-15T14:03:59.123456Z"}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	quote, ok := f.Latest("ADA/USDC")
	if !ok {
		t.Fatal("expected a cached quote")
	}
	if !quote.Price.Equal(decimal.RequireFromString("0.7102")) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	want := time.Date(2026, time.January, 15, 14, 3, 59, 123456000, time.UTC)
	if !quote.ObservedAt.Equal(want) {
		t.Fatalf("expected venue timestamp %v, got %v", want, quote.ObservedAt)
	}
}

func TestHandleClockTimestamp(t *testing.T) {
	f := newTestFeeder(t)
	// Bare HH:MM:SS timestamps are anchored to today's UTC date.
	msg := []byte(`{"type":"ticker","product_id":"ADA-USDC","price":"0.7102","time":"14:03:59"}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	quote, ok := f.Latest("ADA/USDC")
	if !ok {
		t.Fatal("expected a cached quote")
	}
	if quote.ObservedAt.Hour() != 14 || quote.ObservedAt.Second() != 59 {
		t.Fatalf("clock timestamp not honored: %v", quote.ObservedAt)
	}
	now := time.Now().UTC()
	if quote.ObservedAt.Year() != now.Year() {
		t.Fatalf("clock timestamp must anchor to today, got %v", quote.ObservedAt)
	}
}

func TestHandleErrorMessage(t *testing.T) {
	f := newTestFeeder(t)
	err := f.handleMessage([]byte(`{"type":"error","message":"Failed to subscribe","reason":"product not found"}`))
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope.Code != errs.CodeExchange {
		t.Fatalf("expected exchange error, got %v", err)
	}
}

func TestHandleIgnoresOtherProducts(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"98000.12"}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("foreign product must not populate the cache")
	}
}

func TestHandleIgnoresSubscriptionsAck(t *testing.T) {
	f := newTestFeeder(t)
	if err := f.handleMessage([]byte(`{"type":"subscriptions","channels":[]}`)); err != nil {
		t.Fatalf("acks must be ignored: %v", err)
	}
}

func TestHandleBadPrice(t *testing.T) {
	f := newTestFeeder(t)
	err := f.handleMessage([]byte(`{"type":"ticker","product_id":"ADA-USDC","price":"n/a"}`))
	var envelope *errs.E
	if !errors.As(err, &envelope) || envelope.Code != errs.CodeParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLatestGuardsPair(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"type":"ticker","product_id":"ADA-USDC","price":"0.7102"}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("XRP/USDC"); ok {
		t.Fatal("a single-pair feeder must only answer for its own pair")
	}
}
