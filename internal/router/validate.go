// validate.go runs the pre-submission pipeline: basic shape, watchlist,
// lot rounding, quote sanity, session gate, purchasing-power clamp, and
// the US after-hours guard.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/reference"
	"tradecore/pkg/types"
)

// intentPlan is a validated intent ready for style selection.
type intentPlan struct {
	sig        *types.Signal
	market     types.Market
	session    types.Session
	quote      types.Quote
	lot        int64
	quantity   int64 // lot-rounded, purchasing-power clamped
	held       int64 // current position quantity, 0 if none
	urgency    int   // possibly capped for after-hours
	forceLimit bool
}

// rejection is a validation failure. Retryable rejections go back to the
// queue within the intent's budget, terminal ones go straight to failed.
type rejection struct {
	reason    string
	retryable bool
}

func reject(format string, args ...any) *rejection {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

func rejectRetryable(format string, args ...any) *rejection {
	return &rejection{reason: fmt.Sprintf(format, args...), retryable: true}
}

func (r *Router) validate(ctx context.Context, sig *types.Signal) (*intentPlan, *rejection) {
	if sig.Quantity <= 0 {
		return nil, reject("quantity must be positive, got %d", sig.Quantity)
	}
	if !sig.Side.Valid() {
		return nil, reject("invalid side %q", sig.Side)
	}
	if !r.watchlist.Contains(sig.Symbol) {
		return nil, reject("%s is not in the watchlist", sig.Symbol)
	}
	market, err := types.MarketForSymbol(sig.Symbol)
	if err != nil {
		return nil, reject("%v", err)
	}

	lot, err := r.lots.LotSize(ctx, sig.Symbol)
	if err != nil {
		return nil, rejectRetryable("lot size lookup: %v", err)
	}
	quantity := reference.RoundDownToLot(sig.Quantity, lot)
	if quantity == 0 {
		return nil, reject("adjusted quantity is 0 lots (lot %d)", lot)
	}

	quote, err := r.quotes.GetRealtimeQuote(ctx, sig.Symbol)
	if err != nil {
		return nil, rejectRetryable("quote lookup: %v", err)
	}
	if !quote.Last.IsPositive() {
		return nil, rejectRetryable("last price %s is not positive", quote.Last)
	}

	plan := &intentPlan{
		sig:      sig,
		market:   market,
		session:  r.clock.SessionOf(market, time.Now()),
		quote:    *quote,
		lot:      lot,
		quantity: quantity,
		urgency:  sig.Urgency,
	}
	if plan.urgency > r.cfg.MaxUrgencyLevel {
		plan.urgency = r.cfg.MaxUrgencyLevel
	}

	if sig.Side == types.SELL {
		plan.held = r.heldQuantity(ctx, sig.Symbol)
	}

	// A signal queued before the close, or recovered from a dead consumer,
	// may arrive after the market shuts. Opening intents requeue for the
	// next session instead of hitting the broker; a covered SELL may still
	// rest for the opening auction.
	if plan.session == types.SessionClosed {
		if sig.Side == types.BUY || plan.held < quantity {
			return nil, rejectRetryable("%s market is closed", market)
		}
	}

	if sig.Side == types.BUY {
		if rej := r.clampToPurchasingPower(ctx, plan); rej != nil {
			return nil, rej
		}
	}

	// US post-market restricts order types and urgency.
	if market == types.MarketUS && plan.session == types.SessionPostMarket {
		plan.forceLimit = true
		if plan.urgency > r.cfg.AfterhoursMaxUrgency {
			plan.urgency = r.cfg.AfterhoursMaxUrgency
		}
	}
	if r.cfg.ForceLimitOrders {
		plan.forceLimit = true
	}

	return plan, nil
}

func (r *Router) heldQuantity(ctx context.Context, symbol string) int64 {
	positions, err := r.broker.StockPositions(ctx)
	if err != nil {
		r.logger.Warn("position lookup failed", "symbol", symbol, "error", err)
		return 0
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return 0
}

// clampToPurchasingPower caps a BUY at what the broker says we can afford,
// falling back to a local cash estimate when the broker reports 0. An
// unfundable high-score BUY triggers a capital rotation before requeueing.
func (r *Router) clampToPurchasingPower(ctx context.Context, plan *intentPlan) *rejection {
	sig := plan.sig
	orderType := types.OrderTypeLimit
	price := reference.SnapToTick(plan.market, plan.quote.Last, types.BUY)

	buyable, err := r.broker.EstimateMaxPurchaseQuantity(ctx, sig.Symbol, orderType, types.BUY, price)
	if err != nil {
		r.logger.Warn("max purchase estimate failed, using cash fallback",
			"symbol", sig.Symbol, "error", err)
		buyable = 0
	}
	if buyable == 0 {
		buyable = r.cashFallbackQuantity(ctx, plan, price)
	}
	buyable = reference.RoundDownToLot(buyable, plan.lot)

	if buyable == 0 {
		shortfall := price.Mul(decimal.NewFromInt(plan.quantity))
		if r.rotator != nil && sig.Score >= 70 {
			if n, rerr := r.rotator.Rotate(ctx, sig, shortfall, time.Now()); rerr != nil {
				r.logger.Warn("capital rotation failed", "symbol", sig.Symbol, "error", rerr)
			} else if n > 0 {
				return rejectRetryable("insufficient funds, %d rotation sell(s) published", n)
			}
		}
		return rejectRetryable("insufficient purchasing power for %d shares", plan.quantity)
	}
	if buyable < plan.quantity {
		r.logger.Info("quantity clamped to purchasing power",
			"symbol", sig.Symbol, "requested", plan.quantity, "buyable", buyable)
		plan.quantity = buyable
	}
	return nil
}

// cashFallbackQuantity estimates affordable quantity from local balances
// when the broker estimate is 0: 50% of cash, or 30% of remaining
// financing on margin accounts with room.
func (r *Router) cashFallbackQuantity(ctx context.Context, plan *intentPlan, price decimal.Decimal) int64 {
	currency := types.CurrencyOf(plan.market)
	balances, err := r.broker.AccountBalance(ctx, currency)
	if err != nil {
		r.logger.Warn("balance lookup failed in cash fallback", "error", err)
		return 0
	}
	var bal *types.AccountBalance
	for i := range balances {
		if balances[i].Currency == currency {
			bal = &balances[i]
			break
		}
	}
	if bal == nil {
		return 0
	}

	lotCost := price.Mul(decimal.NewFromInt(plan.lot))
	spendable := bal.Cash.Mul(decimal.NewFromFloat(0.5))
	source := "cash"
	if bal.IsMargin && bal.RemainingFinancing.GreaterThan(lotCost.Mul(decimal.NewFromInt(2))) {
		spendable = bal.RemainingFinancing.Mul(decimal.NewFromFloat(0.3))
		source = "financing"
	}
	if !spendable.IsPositive() || !price.IsPositive() {
		return 0
	}
	qty := reference.RoundDownToLot(spendable.Div(price).Floor().IntPart(), plan.lot)
	r.logger.Warn("cash fallback estimate active",
		"symbol", plan.sig.Symbol,
		"source", source,
		"currency", currency,
		"cash", bal.Cash.StringFixed(2),
		"buy_power", bal.BuyPower.StringFixed(2),
		"quantity", qty,
	)
	return qty
}
