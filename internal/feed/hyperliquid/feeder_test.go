package hyperliquid

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

func TestHandleBookMid(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"channel":"l2Book","data":{"coin":"ADA-USDC","time":1736951039000,"levels":[[{"px":"0.7100","sz":"1200"}],[{"px":"0.7110","sz":"900"}]]}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	quote, ok := f.Latest("ADA/USDC")
	if !ok {
		t.Fatal("expected a cached quote")
	}
	if !quote.Price.Equal(decimal.RequireFromString("0.7105")) {
		t.Fatalf("expected mid 0.7105, got %s", quote.Price)
	}
	want := time.UnixMilli(1736951039000).UTC()
	if !quote.ObservedAt.Equal(want) {
		t.Fatalf("expected venue timestamp %v, got %v", want, quote.ObservedAt)
	}
}

func TestHandleOneSidedBookDropped(t *testing.T) {
	f := newTestFeeder(t)
	bidOnly := []byte(`{"channel":"l2Book","data":{"coin":"ADA-USDC","levels":[[{"px":"0.7100","sz":"1200"}],[]]}}`)
	if err := f.handleMessage(bidOnly); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	askOnly := []byte(`{"channel":"l2Book","data":{"coin":"ADA-USDC","levels":[[],[{"px":"0.7110","sz":"900"}]]}}`)
	if err := f.handleMessage(askOnly); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("one-sided books carry no price")
	}
}

func TestHandleIgnoresOtherChannels(t *testing.T) {
	f := newTestFeeder(t)
	if err := f.handleMessage([]byte(`{"channel":"subscriptionResponse","data":{}}`)); err != nil {
		t.Fatalf("acks must be ignored: %v", err)
	}
	if err := f.handleMessage([]byte(`{"channel":"pong"}`)); err != nil {
		t.Fatalf("pongs must be ignored: %v", err)
	}
}

func TestHandleIgnoresUnknownMarket(t *testing.T) {
	f := newTestFeeder(t)
	msg := []byte(`{"channel":"l2Book","data":{"coin":"BTC-USDC","levels":[[{"px":"98000","sz":"1"}],[{"px":"98001","sz":"1"}]]}}`)
	if err := f.handleMessage(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := f.Latest("ADA/USDC"); ok {
		t.Fatal("unknown market must not populate the cache")
	}
}

func TestHandleMalformedBook(t *testing.T) {
	f := newTestFeeder(t)
	var envelope *errs.E
	if err := f.handleMessage([]byte(`{not json`)); !errors.As(err, &envelope) || envelope.Code != errs.CodeParse {
		t.Fatalf("expected parse error, got %v", err)
	}
	bad := []byte(`{"channel":"l2Book","data":{"coin":"ADA-USDC","levels":[[{"px":"zero","sz":"1"}],[{"px":"0.7110","sz":"1"}]]}}`)
	if err := f.handleMessage(bad); !errors.As(err, &envelope) || envelope.Code != errs.CodeParse {
		t.Fatalf("expected parse error, got %v", err)
	}
}
