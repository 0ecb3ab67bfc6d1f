// Package rotation frees capital from weak holdings to fund a high-score
// BUY that available cash cannot cover.
//
// Every holding gets a 0–100 rotation score where higher means keep. Weak
// holdings in the same currency as the pending BUY are sold, newest-weakest
// first, until the estimated proceeds cover the shortfall. The rotation
// never touches more than 30% of total portfolio value in one pass.
package rotation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/rebalance"
	"tradecore/internal/reference"
	"tradecore/internal/regime"
	"tradecore/pkg/types"
)

const (
	dailyLookback = 80

	candidateThreshold = 40 // below this a holding may be rotated out
	protectedThreshold = 70 // at or above this a holding is never rotated
	minHoldingAge      = 30 * time.Minute

	maxPortfolioFraction = 0.30
	proceedsHaircut      = 0.80 // fraction of marked value assumed to come back as cash

	sellScore   = 85
	sellUrgency = 8
)

// CandleSource supplies persisted daily candles, newest last.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, period types.Period, limit int) ([]types.Candle, error)
}

// QuoteSource supplies realtime quotes.
type QuoteSource interface {
	GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// Account exposes the broker's position snapshot.
type Account interface {
	StockPositions(ctx context.Context) ([]types.Position, error)
}

// Publisher is the dispatch-queue surface rotation SELLs go through.
type Publisher interface {
	Publish(ctx context.Context, sig *types.Signal) error
	HasPending(ctx context.Context, symbol string, side types.Side) (bool, error)
}

// MarketClock answers what session a market is in right now.
type MarketClock interface {
	SessionOf(market types.Market, now time.Time) types.Session
}

// Lots resolves board lot sizes.
type Lots interface {
	LotSize(ctx context.Context, symbol string) (int64, error)
}

// MetaSource recalls when a position was opened. Implemented by the redis
// position tracker; a nil entry means the open instant is unknown.
type MetaSource interface {
	AddedAt(ctx context.Context, symbol string) (time.Time, bool, error)
}

// Rotator plans capital rotation for underfunded BUY intents.
type Rotator struct {
	candles CandleSource
	quotes  QuoteSource
	account Account
	queue   Publisher
	clock   MarketClock
	lots    Lots
	meta    MetaSource
	logger  *slog.Logger
}

// New creates a rotator. meta may be nil; unknown ages count as old.
func New(candles CandleSource, quotes QuoteSource, account Account, queue Publisher,
	clock MarketClock, lots Lots, meta MetaSource, logger *slog.Logger) *Rotator {
	return &Rotator{
		candles: candles,
		quotes:  quotes,
		account: account,
		queue:   queue,
		clock:   clock,
		lots:    lots,
		meta:    meta,
		logger:  logger.With("component", "rotation"),
	}
}

type candidate struct {
	pos   types.Position
	last  decimal.Decimal
	score int
}

// Rotate raises at least shortfall of cash in the target signal's currency
// by selling rotation candidates. Returns the number of SELL intents
// published; zero with nil error means nothing could be freed.
func (r *Rotator) Rotate(ctx context.Context, target *types.Signal, shortfall decimal.Decimal, now time.Time) (int, error) {
	if target.Score < protectedThreshold {
		return 0, nil
	}
	market, err := types.MarketForSymbol(target.Symbol)
	if err != nil {
		return 0, err
	}
	currency := types.CurrencyOf(market)

	positions, err := r.account.StockPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("rotation: positions: %w", err)
	}

	state := r.classify(ctx, market, now)
	candidates, portfolioValue := r.selectCandidates(ctx, positions, target.Symbol, currency, state, now)
	if len(candidates) == 0 {
		r.logger.Info("no rotation candidates", "target", target.Symbol, "currency", currency)
		return 0, nil
	}

	// Weakest first.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	budget := portfolioValue.Mul(decimal.NewFromFloat(maxPortfolioFraction))
	haircut := decimal.NewFromFloat(proceedsHaircut)

	published := 0
	raised := decimal.Zero
	sold := decimal.Zero
	for _, c := range candidates {
		if raised.GreaterThanOrEqual(shortfall) {
			break
		}
		qty, err := r.sellQuantity(ctx, c, shortfall.Sub(raised), budget.Sub(sold), haircut)
		if err != nil {
			r.logger.Warn("rotation sizing failed", "symbol", c.pos.Symbol, "error", err)
			continue
		}
		if qty == 0 {
			continue
		}
		ok, err := r.publishSell(ctx, c, qty, target)
		if err != nil {
			r.logger.Warn("rotation publish failed", "symbol", c.pos.Symbol, "error", err)
			continue
		}
		if !ok {
			continue
		}
		published++
		value := c.last.Mul(decimal.NewFromInt(qty))
		sold = sold.Add(value)
		raised = raised.Add(value.Mul(haircut))
	}

	if published > 0 {
		r.logger.Info("capital rotation planned",
			"target", target.Symbol,
			"shortfall", shortfall.StringFixed(2),
			"raised_estimate", raised.StringFixed(2),
			"sells", published,
		)
	}
	return published, nil
}

// selectCandidates scores every holding and keeps the rotatable ones:
// same currency, market open, not the target symbol, not protected.
// Also returns the total marked value of the currency's holdings.
func (r *Rotator) selectCandidates(ctx context.Context, positions []types.Position,
	targetSymbol string, currency types.Currency, state types.RegimeState, now time.Time) ([]candidate, decimal.Decimal) {

	var candidates []candidate
	portfolioValue := decimal.Zero

	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		market, err := types.MarketForSymbol(p.Symbol)
		if err != nil || types.CurrencyOf(market) != currency {
			continue
		}
		quote, err := r.quotes.GetRealtimeQuote(ctx, p.Symbol)
		if err != nil {
			r.logger.Warn("no quote, holding skipped", "symbol", p.Symbol, "error", err)
			continue
		}
		portfolioValue = portfolioValue.Add(p.MarketValue(quote.Last))

		if p.Symbol == targetSymbol {
			continue
		}
		if r.clock.SessionOf(market, now) != types.SessionRegular {
			continue
		}
		age, known := r.holdingAge(ctx, p, now)
		if known && age < minHoldingAge {
			continue
		}

		score := r.rotationScore(ctx, p, quote.Last, state, age, known)
		pnl := p.PnLPct(quote.Last)
		deepLoss := pnl.LessThan(decimal.NewFromFloat(-0.10))
		if score >= protectedThreshold {
			continue
		}
		if score < candidateThreshold || deepLoss {
			candidates = append(candidates, candidate{pos: p, last: quote.Last, score: score})
		}
	}
	return candidates, portfolioValue
}

// rotationScore rates a holding 0–100, higher meaning keep. Starts at 50
// and applies the P&L, duration, technical, and regime components.
func (r *Rotator) rotationScore(ctx context.Context, p types.Position, last decimal.Decimal,
	state types.RegimeState, age time.Duration, ageKnown bool) int {

	score := 50
	score += pnlComponent(p.PnLPct(last))
	score += durationComponent(age, ageKnown)

	candles, err := r.candles.Candles(ctx, p.Symbol, types.Period1d, dailyLookback)
	if err == nil {
		// Weakness 0–100 maps onto 0…−40.
		score -= rebalance.WeaknessScore(candles, last) * 40 / 100
	}

	switch state.Label {
	case types.RegimeBear:
		score -= 15
	case types.RegimeBull:
		score += 10
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// pnlComponent maps the fractional P&L into −30…+30.
func pnlComponent(pnl decimal.Decimal) int {
	v := pnl.InexactFloat64()
	switch {
	case v >= 0.20:
		return 30
	case v >= 0.10:
		return 20
	case v >= 0.05:
		return 10
	case v >= 0:
		return 0
	case v >= -0.05:
		return -10
	case v >= -0.10:
		return -20
	default:
		return -30
	}
}

// durationComponent maps holding age into −10…+10: fresh positions get
// the benefit of the doubt, stale ones lose it.
func durationComponent(age time.Duration, known bool) int {
	if !known {
		return -5
	}
	switch {
	case age < 24*time.Hour:
		return 10
	case age < 5*24*time.Hour:
		return 5
	case age < 20*24*time.Hour:
		return 0
	case age < 60*24*time.Hour:
		return -5
	default:
		return -10
	}
}

func (r *Rotator) holdingAge(ctx context.Context, p types.Position, now time.Time) (time.Duration, bool) {
	if r.meta != nil {
		if added, ok, err := r.meta.AddedAt(ctx, p.Symbol); err == nil && ok {
			return now.Sub(added), true
		}
	}
	if !p.EntryTime.IsZero() {
		return now.Sub(p.EntryTime), true
	}
	return 0, false
}

func (r *Rotator) classify(ctx context.Context, market types.Market, now time.Time) types.RegimeState {
	proxy := regime.IndexProxy(market)
	candles, err := r.candles.Candles(ctx, proxy, types.Period1d, dailyLookback)
	if err != nil {
		return types.RegimeState{Label: types.RegimeRange, ComputedAt: now}
	}
	state, err := regime.Classify(candles, now)
	if err != nil {
		return types.RegimeState{Label: types.RegimeRange, ComputedAt: now}
	}
	return state
}

// sellQuantity sizes a lot-rounded SELL whose estimated proceeds chase the
// remaining shortfall without blowing the per-rotation budget.
func (r *Rotator) sellQuantity(ctx context.Context, c candidate, needed, budget decimal.Decimal, haircut decimal.Decimal) (int64, error) {
	if !budget.IsPositive() || c.last.IsZero() {
		return 0, nil
	}
	lot, err := r.lots.LotSize(ctx, c.pos.Symbol)
	if err != nil {
		return 0, err
	}

	// Value that must be sold for the haircut proceeds to cover the need.
	wantValue := needed.Div(haircut)
	if wantValue.GreaterThan(budget) {
		wantValue = budget
	}
	want := wantValue.Div(c.last).Ceil().IntPart()
	if rem := want % lot; rem != 0 {
		want += lot - rem
	}
	available := reference.RoundDownToLot(c.pos.AvailableQuantity, lot)
	if want > available {
		want = available
	}
	// Re-check the budget after lot rounding.
	for want > 0 && c.last.Mul(decimal.NewFromInt(want)).GreaterThan(budget) {
		want -= lot
	}
	return want, nil
}

func (r *Rotator) publishSell(ctx context.Context, c candidate, qty int64, target *types.Signal) (bool, error) {
	pending, err := r.queue.HasPending(ctx, c.pos.Symbol, types.SELL)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	sig := &types.Signal{
		ID:             uuid.NewString(),
		Symbol:         c.pos.Symbol,
		Side:           types.SELL,
		Quantity:       qty,
		ReferencePrice: c.last,
		Score:          sellScore,
		Strategy:       "rotation",
		Urgency:        sellUrgency,
		MaxSlippage:    decimal.NewFromFloat(0.01),
		Reason: fmt.Sprintf("rotate capital into %s: rotation score %d",
			target.Symbol, c.score),
		CreatedAt: time.Now(),
	}
	if err := r.queue.Publish(ctx, sig); err != nil {
		return false, err
	}
	r.logger.Info("rotation SELL published",
		"symbol", c.pos.Symbol, "quantity", qty, "score", c.score, "funds_target", target.Symbol)
	return true, nil
}
