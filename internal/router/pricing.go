// pricing.go computes limit prices for slices and retries.
//
// Pricing is deterministic: the same quote and intent always produce the
// same order request.
package router

import (
	"github.com/shopspring/decimal"

	"tradecore/internal/reference"
	"tradecore/pkg/types"
)

var (
	buyNudge  = decimal.RequireFromString("1.001")
	sellNudge = decimal.RequireFromString("0.999")

	// Cumulative slippage may run to 1.2× the per-intent budget before the
	// remaining slices are abandoned.
	slippageOverrun = decimal.RequireFromString("1.2")
)

// PriceInputs feeds one dynamic pricing decision.
type PriceInputs struct {
	Market      types.Market
	Side        types.Side
	Reference   decimal.Decimal // the intent's reference price
	Last        decimal.Decimal // current market price
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	MaxSlippage decimal.Decimal // fraction, e.g. 0.005
}

// DynamicLimitPrice suggests a limit just through the touch, clamps it to
// the slippage envelope around the reference, and snaps it onto the tick
// grid. The second return reports whether the live market has already
// drifted past the slippage budget.
func DynamicLimitPrice(in PriceInputs) (decimal.Decimal, bool) {
	one := decimal.NewFromInt(1)

	var final decimal.Decimal
	if in.Side == types.BUY {
		suggested := in.Ask.Mul(buyNudge)
		ceiling := in.Reference.Mul(one.Add(in.MaxSlippage))
		final = decimal.Min(suggested, ceiling)
	} else {
		suggested := in.Bid.Mul(sellNudge)
		floor := in.Reference.Mul(one.Sub(in.MaxSlippage))
		final = decimal.Max(suggested, floor)
	}
	final = reference.SnapToTick(in.Market, final, in.Side)

	exceeds := false
	if in.Reference.IsPositive() && in.MaxSlippage.IsPositive() {
		drift := in.Last.Sub(in.Reference).Abs().Div(in.Reference)
		exceeds = drift.GreaterThan(in.MaxSlippage)
	}
	return final, exceeds
}

// PassivePrice rests at the near touch: bid for BUY, ask for SELL, snapped
// to tick.
func PassivePrice(market types.Market, side types.Side, bid, ask decimal.Decimal) decimal.Decimal {
	if side == types.BUY {
		return reference.SnapToTick(market, bid, side)
	}
	return reference.SnapToTick(market, ask, side)
}

// FarSidePrice crosses the spread: ask for BUY, bid for SELL. Used where
// MARKET orders are unavailable but immediacy is wanted.
func FarSidePrice(market types.Market, side types.Side, bid, ask decimal.Decimal) decimal.Decimal {
	if side == types.BUY {
		return reference.SnapToTick(market, ask, side)
	}
	return reference.SnapToTick(market, bid, side)
}

// slippageTracker accumulates quantity-weighted fill slippage across slices
// and decides when the run must be abandoned.
type slippageTracker struct {
	reference decimal.Decimal
	budget    decimal.Decimal // max_slippage fraction
	side      types.Side

	weighted decimal.Decimal // Σ |slip_i| × qty_i
	quantity decimal.Decimal // Σ qty_i
}

func newSlippageTracker(reference, budget decimal.Decimal, side types.Side) *slippageTracker {
	return &slippageTracker{reference: reference, budget: budget, side: side}
}

// record adds one fill. Adverse slippage is positive: paying up on a BUY or
// selling down on a SELL.
func (t *slippageTracker) record(price decimal.Decimal, qty int64) {
	if t.reference.IsZero() || qty <= 0 {
		return
	}
	slip := price.Sub(t.reference).Div(t.reference)
	if t.side == types.SELL {
		slip = slip.Neg()
	}
	if slip.IsNegative() {
		slip = decimal.Zero // price improvement does not consume budget
	}
	q := decimal.NewFromInt(qty)
	t.weighted = t.weighted.Add(slip.Mul(q))
	t.quantity = t.quantity.Add(q)
}

// exhausted reports whether the weighted average slippage has overrun
// 1.2× the budget.
func (t *slippageTracker) exhausted() bool {
	if t.quantity.IsZero() || !t.budget.IsPositive() {
		return false
	}
	avg := t.weighted.Div(t.quantity)
	return avg.GreaterThan(t.budget.Mul(slippageOverrun))
}
