// styles.go selects and drives the execution styles.
package router

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"tradecore/internal/broker"
	"tradecore/internal/reference"
	"tradecore/pkg/types"
)

// Style names an execution strategy.
type Style string

const (
	StyleAggressive Style = "AGGRESSIVE"
	StylePassive    Style = "PASSIVE"
	StyleIceberg    Style = "ICEBERG"
	StyleTWAP       Style = "TWAP"
	StyleVWAP       Style = "VWAP"
	StyleAdaptive   Style = "ADAPTIVE"
)

const (
	volumeLookbackDays = 20
	icebergFraction    = 0.05 // of recent average daily volume
	twapMinFraction    = 0.03
	twapMinLots        = 20
	vwapFraction       = 0.10
	sliceDelay         = 2 * time.Second
	adaptiveMinUrgency = 5
)

// execResult summarises one executed intent.
type execResult struct {
	requested int64
	filled    int64
	avgPrice  decimal.Decimal
	aborted   bool // slippage budget exhausted before all slices ran
}

// chooseStyle derives the execution style from urgency, order size relative
// to recent volume, and market conditions.
func (r *Router) chooseStyle(ctx context.Context, plan *intentPlan) Style {
	avgVolume := r.averageDailyVolume(ctx, plan.sig.Symbol)

	var volumeFraction float64
	if avgVolume > 0 {
		volumeFraction = float64(plan.quantity) / avgVolume
	}

	marketOpen := plan.session == types.SessionRegular

	// Large orders slice regardless of urgency. An order big enough for
	// TWAP pacing but short of the slice floor still must not cross the
	// book in one print, so it rests instead.
	switch {
	case volumeFraction > vwapFraction && r.hasVolumeProfile(ctx, plan.sig.Symbol):
		return StyleVWAP
	case volumeFraction > icebergFraction:
		return StyleIceberg
	case volumeFraction >= twapMinFraction:
		if plan.quantity >= twapMinLots*plan.lot {
			return StyleTWAP
		}
		return StylePassive
	}

	if plan.urgency >= 8 && marketOpen && !plan.forceLimit {
		return StyleAggressive
	}
	if plan.urgency >= adaptiveMinUrgency && marketOpen && !plan.forceLimit && r.spreadIsTight(plan) {
		return StyleAdaptive
	}
	return StylePassive
}

// spreadIsTight reports whether the quoted spread is within two ticks.
func (r *Router) spreadIsTight(plan *intentPlan) bool {
	spread := plan.quote.Spread()
	if spread.IsZero() {
		return false
	}
	tick := reference.TickSize(plan.market, plan.quote.Last)
	return spread.LessThanOrEqual(tick.Mul(decimal.NewFromInt(2)))
}

func (r *Router) averageDailyVolume(ctx context.Context, symbol string) float64 {
	candles, err := r.candles.Candles(ctx, symbol, types.Period1d, volumeLookbackDays)
	if err != nil || len(candles) == 0 {
		return 0
	}
	total := int64(0)
	for _, c := range candles {
		total += c.Volume
	}
	return float64(total) / float64(len(candles))
}

func (r *Router) execute(ctx context.Context, plan *intentPlan, style Style) (*execResult, error) {
	switch style {
	case StyleAggressive:
		return r.executeAggressive(ctx, plan)
	case StyleIceberg:
		return r.executeSliced(ctx, plan, r.evenSlices(plan), sliceDelay)
	case StyleTWAP:
		return r.executeTWAP(ctx, plan)
	case StyleVWAP:
		return r.executeVWAP(ctx, plan)
	case StyleAdaptive:
		return r.executeAdaptive(ctx, plan)
	default:
		return r.executePassive(ctx, plan)
	}
}

// executeAggressive crosses immediately: a MARKET order where allowed,
// otherwise a far-side LIMIT.
func (r *Router) executeAggressive(ctx context.Context, plan *intentPlan) (*execResult, error) {
	req := broker.SubmitRequest{
		Symbol:        plan.sig.Symbol,
		Side:          plan.sig.Side,
		Quantity:      plan.quantity,
		TIF:           types.TIFDay,
		ClientOrderID: clientOrderID(plan.sig, 0),
		Remark:        plan.sig.Strategy,
	}
	deadline := r.cfg.MarketPollDeadline
	if r.cfg.AllowMarketOrders {
		req.Type = types.OrderTypeMarket
	} else {
		req.Type = types.OrderTypeLimit
		req.LimitPrice = FarSidePrice(plan.market, plan.sig.Side, plan.quote.Bid, plan.quote.Ask)
		deadline = r.cfg.LimitPollDeadline
	}
	order, err := r.submitAndPoll(ctx, plan, req, deadline)
	if err != nil {
		return nil, err
	}
	return resultFromOrders(plan.quantity, []*types.Order{order}), nil
}

// executePassive rests a LIMIT at the near touch.
func (r *Router) executePassive(ctx context.Context, plan *intentPlan) (*execResult, error) {
	req := broker.SubmitRequest{
		Symbol:        plan.sig.Symbol,
		Side:          plan.sig.Side,
		Type:          types.OrderTypeLimit,
		Quantity:      plan.quantity,
		LimitPrice:    PassivePrice(plan.market, plan.sig.Side, plan.quote.Bid, plan.quote.Ask),
		TIF:           types.TIFDay,
		ClientOrderID: clientOrderID(plan.sig, 0),
		Remark:        plan.sig.Strategy,
	}
	order, err := r.submitAndPoll(ctx, plan, req, r.cfg.LimitPollDeadline)
	if err != nil {
		return nil, err
	}
	return resultFromOrders(plan.quantity, []*types.Order{order}), nil
}

// executeAdaptive goes aggressive into a tight spread, passive otherwise.
func (r *Router) executeAdaptive(ctx context.Context, plan *intentPlan) (*execResult, error) {
	if r.spreadIsTight(plan) {
		return r.executeAggressive(ctx, plan)
	}
	return r.executePassive(ctx, plan)
}

// executeTWAP spreads evenly priced slices over the configured duration.
// Slice count auto-adjusts so every slice is a whole number of lots.
func (r *Router) executeTWAP(ctx context.Context, plan *intentPlan) (*execResult, error) {
	slices := r.lotAlignedSlices(plan, 10)
	if len(slices) <= 1 {
		return r.executePassive(ctx, plan)
	}
	interval := r.cfg.TWAPDuration / time.Duration(len(slices))
	return r.executeSliced(ctx, plan, slices, interval)
}

// executeVWAP sizes slices proportionally to the historical intraday
// volume profile.
func (r *Router) executeVWAP(ctx context.Context, plan *intentPlan) (*execResult, error) {
	weights := r.volumeProfile(ctx, plan.sig.Symbol)
	if len(weights) == 0 {
		return r.executeTWAP(ctx, plan)
	}
	slices := make([]int64, 0, len(weights))
	assigned := int64(0)
	for _, w := range weights {
		q := reference.RoundDownToLot(int64(float64(plan.quantity)*w), plan.lot)
		slices = append(slices, q)
		assigned += q
	}
	// Lot-rounding leftovers ride on the largest bucket.
	if rest := plan.quantity - assigned; rest > 0 {
		largest := 0
		for i, w := range weights {
			if w > weights[largest] {
				largest = i
			}
		}
		slices[largest] += rest
	}
	nonEmpty := slices[:0]
	for _, q := range slices {
		if q > 0 {
			nonEmpty = append(nonEmpty, q)
		}
	}
	if len(nonEmpty) <= 1 {
		return r.executePassive(ctx, plan)
	}
	interval := r.cfg.TWAPDuration / time.Duration(len(nonEmpty))
	return r.executeSliced(ctx, plan, nonEmpty, interval)
}

// evenSlices splits the quantity into the configured iceberg slice count,
// each a whole number of lots, remainder on the last.
func (r *Router) evenSlices(plan *intentPlan) []int64 {
	n := r.cfg.IcebergSlices
	if n <= 0 {
		n = 10
	}
	return splitIntoLots(plan.quantity, plan.lot, n)
}

// lotAlignedSlices reduces the slice count until every slice is at least
// one lot.
func (r *Router) lotAlignedSlices(plan *intentPlan, want int) []int64 {
	maxSlices := int(plan.quantity / plan.lot)
	if maxSlices < 1 {
		maxSlices = 1
	}
	if want > maxSlices {
		want = maxSlices
	}
	return splitIntoLots(plan.quantity, plan.lot, want)
}

func splitIntoLots(quantity, lot int64, n int) []int64 {
	base := reference.RoundDownToLot(quantity/int64(n), lot)
	if base == 0 {
		base = lot
	}
	slices := make([]int64, 0, n)
	remaining := quantity
	for i := 0; i < n && remaining > 0; i++ {
		q := base
		if i == n-1 || remaining < base+lot {
			q = remaining
		}
		slices = append(slices, q)
		remaining -= q
	}
	return slices
}

// executeSliced submits one LIMIT per slice with dynamic pricing, pausing
// interval between slices and aborting once the cumulative slippage budget
// is spent.
func (r *Router) executeSliced(ctx context.Context, plan *intentPlan, slices []int64, interval time.Duration) (*execResult, error) {
	tracker := newSlippageTracker(plan.sig.ReferencePrice, plan.sig.MaxSlippage, plan.sig.Side)
	if plan.sig.ReferencePrice.IsZero() {
		tracker = newSlippageTracker(plan.quote.Last, plan.sig.MaxSlippage, plan.sig.Side)
	}

	var orders []*types.Order
	res := &execResult{requested: plan.quantity}

	for i, qty := range slices {
		if i > 0 {
			select {
			case <-ctx.Done():
				res.aborted = true
				fillResult(res, orders)
				return res, nil
			case <-time.After(interval):
			}
		}

		quote, err := r.quotes.GetRealtimeQuote(ctx, plan.sig.Symbol)
		if err != nil {
			r.logger.Warn("slice quote failed, reusing last", "symbol", plan.sig.Symbol, "error", err)
			quote = &plan.quote
		}
		price, exceeds := DynamicLimitPrice(PriceInputs{
			Market:      plan.market,
			Side:        plan.sig.Side,
			Reference:   tracker.reference,
			Last:        quote.Last,
			Bid:         quote.Bid,
			Ask:         quote.Ask,
			MaxSlippage: plan.sig.MaxSlippage,
		})
		if exceeds {
			r.logger.Warn("market drifted past slippage budget",
				"symbol", plan.sig.Symbol, "slice", i, "last", quote.Last, "reference", tracker.reference)
		}

		req := broker.SubmitRequest{
			Symbol:        plan.sig.Symbol,
			Side:          plan.sig.Side,
			Type:          types.OrderTypeLimit,
			Quantity:      qty,
			LimitPrice:    price,
			TIF:           types.TIFDay,
			ClientOrderID: clientOrderID(plan.sig, i),
			Remark:        fmt.Sprintf("%s slice %d/%d", plan.sig.Strategy, i+1, len(slices)),
		}
		order, err := r.submitAndPoll(ctx, plan, req, r.cfg.LimitPollDeadline)
		if err != nil {
			if len(orders) == 0 {
				return nil, err
			}
			// Partial progress beats losing the run; remaining slices stop.
			r.logger.Error("slice failed, stopping run",
				"symbol", plan.sig.Symbol, "slice", i, "error", err)
			res.aborted = true
			break
		}
		orders = append(orders, order)
		if order.ExecutedQuantity > 0 {
			tracker.record(order.ExecutedPrice, order.ExecutedQuantity)
		}
		if tracker.exhausted() {
			r.logger.Warn("cumulative slippage exhausted, aborting remaining slices",
				"symbol", plan.sig.Symbol, "done", i+1, "total", len(slices))
			res.aborted = true
			break
		}
	}

	fillResult(res, orders)
	return res, nil
}

// volumeProfile returns normalised intraday volume weights from recent
// 30-minute bars, bucketed by time of day. Empty when no history exists.
func (r *Router) volumeProfile(ctx context.Context, symbol string) []float64 {
	candles, err := r.candles.Candles(ctx, symbol, types.Period30m, 130)
	if err != nil || len(candles) == 0 {
		return nil
	}
	buckets := make(map[int]float64)
	for _, c := range candles {
		slot := c.Timestamp.Hour()*2 + c.Timestamp.Minute()/30
		buckets[slot] += float64(c.Volume)
	}
	if len(buckets) < 2 {
		return nil
	}
	slots := make([]int, 0, len(buckets))
	for s := range buckets {
		slots = append(slots, s)
	}
	// Map iteration order is random; weights follow the trading day.
	sort.Ints(slots)
	weights := make([]float64, len(slots))
	for i, s := range slots {
		weights[i] = buckets[s]
	}
	total := floats.Sum(weights)
	if total <= 0 {
		return nil
	}
	floats.Scale(1/total, weights)
	return weights
}

func (r *Router) hasVolumeProfile(ctx context.Context, symbol string) bool {
	return len(r.volumeProfile(ctx, symbol)) > 0
}

// resultFromOrders folds final orders into an execResult.
func resultFromOrders(requested int64, orders []*types.Order) *execResult {
	res := &execResult{requested: requested}
	fillResult(res, orders)
	return res
}

func fillResult(res *execResult, orders []*types.Order) {
	notional := decimal.Zero
	for _, o := range orders {
		if o == nil || o.ExecutedQuantity == 0 {
			continue
		}
		res.filled += o.ExecutedQuantity
		notional = notional.Add(o.ExecutedPrice.Mul(decimal.NewFromInt(o.ExecutedQuantity)))
	}
	if res.filled > 0 {
		res.avgPrice = notional.Div(decimal.NewFromInt(res.filled))
	}
}
