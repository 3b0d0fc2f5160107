package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSimulateEntry(t *testing.T) {
	legs, err := simulateEntry(dec("100.00"), dec("100.60"), dec("1000"), dec("0.1"), dec("0.05"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !legs.EffBuy.Equal(dec("100.15")) {
		t.Fatalf("expected eff buy 100.15, got %s", legs.EffBuy)
	}
	if !legs.EffSell.Equal(dec("100.4491")) {
		t.Fatalf("expected eff sell 100.4491, got %s", legs.EffSell)
	}
	if !legs.Units.Round(5).Equal(dec("9.98502")) {
		t.Fatalf("expected ~9.98502 units, got %s", legs.Units)
	}
	if !legs.FeeFrac.Equal(dec("0.001")) || !legs.SlipFrac.Equal(dec("0.0005")) {
		t.Fatalf("unexpected fractions: fee=%s slip=%s", legs.FeeFrac, legs.SlipFrac)
	}

	// Costs work against the trader on both legs.
	if !legs.EffBuy.GreaterThan(dec("100.00")) {
		t.Fatal("effective buy must exceed the raw buy price")
	}
	if !legs.EffSell.LessThan(dec("100.60")) {
		t.Fatal("effective sell must undercut the raw sell price")
	}
}

func TestSimulateEntryRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name            string
		buy, sell, size string
	}{
		{"zero buy", "0", "100", "1000"},
		{"negative sell", "100", "-1", "1000"},
		{"zero notional", "100", "101", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := simulateEntry(dec(tc.buy), dec(tc.sell), dec(tc.size), dec("0.1"), dec("0.05")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func openTestPosition(t *testing.T) schema.OpenPosition {
	t.Helper()
	legs, err := simulateEntry(dec("100.00"), dec("100.60"), dec("1000"), dec("0.1"), dec("0.05"))
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	return schema.OpenPosition{
		Pair:         "X/USDC",
		EntryTime:    time.Now().UTC(),
		BuyVenue:     "A",
		SellVenue:    "B",
		BuyPrice:     dec("100.00"),
		SellPrice:    dec("100.60"),
		EntryUnits:   legs.Units,
		EntryEffBuy:  legs.EffBuy,
		EntryEffSell: legs.EffSell,
		FeeFrac:      legs.FeeFrac,
		SlipFrac:     legs.SlipFrac,
	}
}

func TestSimulateExitConvergedSpread(t *testing.T) {
	pos := openTestPosition(t)

	net, gross, err := simulateExit(pos, dec("100.30"), dec("100.35"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !net.Equal(dec("0.4805")) {
		t.Fatalf("expected net 0.4805, got %s", net)
	}
	if !gross.Equal(dec("3.4948")) {
		t.Fatalf("expected gross 3.4948, got %s", gross)
	}
}

func TestSimulateExitRoundTripAtEntryPrices(t *testing.T) {
	pos := openTestPosition(t)

	// Closing at the entry prices collapses both effective legs onto the
	// stored entry legs.
	net, gross, err := simulateExit(pos, dec("100.00"), dec("100.60"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantGross := dec("100.60").Sub(dec("100.00")).Mul(pos.EntryUnits).Round(4)
	if !gross.Equal(wantGross) {
		t.Fatalf("expected gross %s, got %s", wantGross, gross)
	}
	spreadCapture := pos.EntryEffSell.Sub(pos.EntryEffBuy)
	wantNet := pos.EntryUnits.Mul(spreadCapture).Mul(dec("2")).Round(4)
	if !net.Equal(wantNet) {
		t.Fatalf("expected net %s, got %s", wantNet, net)
	}
}

func TestSimulateExitCanLose(t *testing.T) {
	pos := openTestPosition(t)

	// The venues inverted: the short leg now trades below the long leg by
	// more than the entry spread captured.
	net, _, err := simulateExit(pos, dec("100.60"), dec("100.00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if net.Sign() >= 0 {
		t.Fatalf("expected negative net, got %s", net)
	}
}

func TestSimulateExitRejectsNonPositivePrices(t *testing.T) {
	pos := openTestPosition(t)
	if _, _, err := simulateExit(pos, dec("0"), dec("100")); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := simulateExit(pos, dec("100"), dec("-5")); err == nil {
		t.Fatal("expected error")
	}
}
