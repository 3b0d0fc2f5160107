package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/spreadwatch/internal/schema"
)

// pnlScale is the decimal-place rounding applied to exit PnL figures.
const pnlScale = 4

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// entryLegs is the simulated state captured when a position opens: the
// fee-and-slippage-adjusted fill prices and the position size they imply.
type entryLegs struct {
	Units    decimal.Decimal
	EffBuy   decimal.Decimal
	EffSell  decimal.Decimal
	FeeFrac  decimal.Decimal
	SlipFrac decimal.Decimal
}

// simulateEntry models opening the pairs trade: buy on the cheap venue, short
// on the expensive one. Fees and slippage are expressed in percent and both
// work against the trader on both legs. No cash flow is recorded at entry.
func simulateEntry(buyPrice, sellPrice, notional, feePct, slipPct decimal.Decimal) (entryLegs, error) {
	if !buyPrice.IsPositive() || !sellPrice.IsPositive() {
		return entryLegs{}, fmt.Errorf("non-positive entry price: buy=%s sell=%s", buyPrice, sellPrice)
	}
	if !notional.IsPositive() {
		return entryLegs{}, fmt.Errorf("non-positive notional %s", notional)
	}

	feeFrac := feePct.Div(hundred)
	slipFrac := slipPct.Div(hundred)
	effBuy := buyPrice.Mul(one.Add(feeFrac).Add(slipFrac))
	effSell := sellPrice.Mul(one.Sub(feeFrac).Sub(slipFrac))

	return entryLegs{
		Units:    notional.Div(effBuy),
		EffBuy:   effBuy,
		EffSell:  effSell,
		FeeFrac:  feeFrac,
		SlipFrac: slipFrac,
	}, nil
}

// simulateExit closes both legs of the position at the current prices and
// returns the net and gross PnL, each rounded to 4 decimal places. Both
// figures can be negative; a losing close is a valid outcome.
func simulateExit(pos schema.OpenPosition, buyPrice, sellPrice decimal.Decimal) (net, gross decimal.Decimal, err error) {
	if !buyPrice.IsPositive() || !sellPrice.IsPositive() {
		return decimal.Zero, decimal.Zero,
			fmt.Errorf("non-positive exit price: buy=%s sell=%s", buyPrice, sellPrice)
	}

	effBuy := buyPrice.Mul(one.Add(pos.FeeFrac).Add(pos.SlipFrac))
	effSell := sellPrice.Mul(one.Sub(pos.FeeFrac).Sub(pos.SlipFrac))

	forward := pos.EntryUnits.Mul(effSell.Sub(pos.EntryEffBuy))
	reverse := pos.EntryUnits.Mul(effBuy.Sub(pos.EntryEffSell))
	net = forward.Sub(reverse).Round(pnlScale)
	gross = sellPrice.Sub(pos.BuyPrice).Mul(pos.EntryUnits).Round(pnlScale)
	return net, gross, nil
}
