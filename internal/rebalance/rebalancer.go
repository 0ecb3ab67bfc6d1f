// Package rebalance implements regime-based deleveraging: when long
// exposure in a currency exceeds what the current regime's cash reserve
// allows, the weakest holdings are sold down until the target is met.
//
// The rebalancer only plans; execution goes through the dispatch queue and
// the router like any other intent.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/reference"
	"tradecore/internal/regime"
	"tradecore/pkg/types"
)

const (
	dailyLookback = 80 // candles fetched per symbol; enough for MA-50 + MACD warmup
	sellScore     = 90 // deleveraging outranks ordinary strategy intents
	sellUrgency   = 7

	buyPowerReserveBump = 0.20
	buyPowerReserveCap  = 0.80
)

// CandleSource supplies persisted daily candles, newest last.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, period types.Period, limit int) ([]types.Candle, error)
}

// QuoteSource supplies realtime quotes.
type QuoteSource interface {
	GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error)
}

// Account exposes the broker's balance and position snapshots. An empty
// currency fetches every balance.
type Account interface {
	AccountBalance(ctx context.Context, currency types.Currency) ([]types.AccountBalance, error)
	StockPositions(ctx context.Context) ([]types.Position, error)
}

// Publisher is the dispatch-queue surface the rebalancer writes to.
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

// Rebalancer plans and publishes deleveraging SELLs.
type Rebalancer struct {
	cfg     config.RebalanceConfig
	candles CandleSource
	quotes  QuoteSource
	account Account
	queue   Publisher
	clock   MarketClock
	lots    Lots
	logger  *slog.Logger
}

// New creates a rebalancer.
func New(cfg config.RebalanceConfig, candles CandleSource, quotes QuoteSource, account Account,
	queue Publisher, clock MarketClock, lots Lots, logger *slog.Logger) *Rebalancer {
	return &Rebalancer{
		cfg:     cfg,
		candles: candles,
		quotes:  quotes,
		account: account,
		queue:   queue,
		clock:   clock,
		lots:    lots,
		logger:  logger.With("component", "rebalancer"),
	}
}

type holding struct {
	pos      types.Position
	last     decimal.Decimal
	weakness int
}

// RunOnce evaluates every currency bucket and publishes SELL intents for
// any excess long exposure. Returns the number of intents published.
func (r *Rebalancer) RunOnce(ctx context.Context, now time.Time) (int, error) {
	positions, err := r.account.StockPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("rebalance: positions: %w", err)
	}
	if len(positions) == 0 {
		return 0, nil
	}
	balances, err := r.account.AccountBalance(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("rebalance: balances: %w", err)
	}

	byCurrency := make(map[types.Currency][]types.Position)
	for _, p := range positions {
		byCurrency[p.Currency] = append(byCurrency[p.Currency], p)
	}

	published := 0
	for currency, bucket := range byCurrency {
		n, err := r.rebalanceBucket(ctx, now, currency, bucket, balanceFor(balances, currency))
		if err != nil {
			r.logger.Error("bucket rebalance failed", "currency", currency, "error", err)
			continue
		}
		published += n
	}
	return published, nil
}

func (r *Rebalancer) rebalanceBucket(ctx context.Context, now time.Time, currency types.Currency,
	positions []types.Position, bal *types.AccountBalance) (int, error) {

	market := marketForCurrency(currency)
	session := r.clock.SessionOf(market, now)
	afterhours := market == types.MarketUS && session == types.SessionPostMarket

	if r.cfg.MarketHoursOnly && session != types.SessionRegular {
		if !(afterhours && r.cfg.EnableAfterhours) {
			return 0, nil
		}
	}
	if bal == nil || !bal.NetAssets.IsPositive() {
		return 0, nil
	}

	state, err := r.classify(ctx, market, now)
	if err != nil {
		return 0, err
	}
	reserve := regime.ReserveFor(r.cfg, state)

	// Negative buying power with positive cash means cross-currency margin
	// debt: deleverage harder.
	if bal.BuyPower.IsNegative() && bal.Cash.IsPositive() {
		reserve += buyPowerReserveBump
		if reserve > buyPowerReserveCap {
			reserve = buyPowerReserveCap
		}
		r.logger.Warn("cross-currency margin debt detected, reserve raised",
			"currency", currency, "reserve", reserve)
	}

	holdings, longExposure, err := r.markHoldings(ctx, positions)
	if err != nil {
		return 0, err
	}

	target := regime.TargetLong(bal.NetAssets, reserve)
	cut := longExposure.Sub(target)
	if !cut.IsPositive() {
		return 0, nil
	}

	r.logger.Info("deleverage planned",
		"currency", currency,
		"regime", state.Label,
		"reserve", reserve,
		"long_exposure", longExposure.StringFixed(2),
		"target", target.StringFixed(2),
		"cut", cut.StringFixed(2),
	)

	sort.Slice(holdings, func(i, j int) bool { return holdings[i].weakness > holdings[j].weakness })

	published := 0
	remaining := cut
	for _, h := range holdings {
		if !remaining.IsPositive() {
			break
		}
		qty, err := r.sellQuantity(ctx, h, remaining, afterhours)
		if err != nil {
			r.logger.Warn("sell sizing failed", "symbol", h.pos.Symbol, "error", err)
			continue
		}
		if qty == 0 {
			continue
		}
		if ok, err := r.publishSell(ctx, h, qty, state); err != nil {
			r.logger.Warn("sell publish failed", "symbol", h.pos.Symbol, "error", err)
			continue
		} else if !ok {
			continue
		}
		published++
		remaining = remaining.Sub(h.last.Mul(decimal.NewFromInt(qty)))
	}
	return published, nil
}

// classify fetches the index proxy series and runs the regime classifier,
// attaching the intraday style when a live quote is available.
func (r *Rebalancer) classify(ctx context.Context, market types.Market, now time.Time) (types.RegimeState, error) {
	proxy := regime.IndexProxy(market)
	candles, err := r.candles.Candles(ctx, proxy, types.Period1d, dailyLookback)
	if err != nil {
		return types.RegimeState{}, fmt.Errorf("proxy candles %s: %w", proxy, err)
	}
	state, err := regime.Classify(candles, now)
	if err != nil {
		return types.RegimeState{}, err
	}
	if quote, err := r.quotes.GetRealtimeQuote(ctx, proxy); err == nil {
		if style, err := regime.IntradayStyle(candles, *quote); err == nil {
			state.IntradayStyle = style
		}
	}
	return state, nil
}

// markHoldings attaches last prices and weakness scores, and totals the
// bucket's long exposure at market.
func (r *Rebalancer) markHoldings(ctx context.Context, positions []types.Position) ([]holding, decimal.Decimal, error) {
	holdings := make([]holding, 0, len(positions))
	longExposure := decimal.Zero
	for _, p := range positions {
		if p.Quantity <= 0 {
			continue
		}
		quote, err := r.quotes.GetRealtimeQuote(ctx, p.Symbol)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("quote %s: %w", p.Symbol, err)
		}
		candles, err := r.candles.Candles(ctx, p.Symbol, types.Period1d, dailyLookback)
		if err != nil {
			r.logger.Warn("no daily candles, weakness 0", "symbol", p.Symbol, "error", err)
		}
		h := holding{
			pos:      p,
			last:     quote.Last,
			weakness: WeaknessScore(candles, quote.Last),
		}
		holdings = append(holdings, h)
		longExposure = longExposure.Add(p.MarketValue(quote.Last))
	}
	return holdings, longExposure, nil
}

// sellQuantity sizes a lot-rounded SELL covering as much of the remaining
// cut as the position allows. After-hours US sells are additionally capped
// to a fraction of the position.
func (r *Rebalancer) sellQuantity(ctx context.Context, h holding, remaining decimal.Decimal, afterhours bool) (int64, error) {
	lot, err := r.lots.LotSize(ctx, h.pos.Symbol)
	if err != nil {
		return 0, err
	}
	if h.last.IsZero() {
		return 0, nil
	}

	want := remaining.Div(h.last).Ceil().IntPart()
	// Round the want up to whole lots so the cut is actually covered, then
	// cap at what the position can give.
	if rem := want % lot; rem != 0 {
		want += lot - rem
	}
	available := reference.RoundDownToLot(h.pos.AvailableQuantity, lot)
	if afterhours && r.cfg.AfterhoursMaxPositionPct > 0 {
		maxShares := decimal.NewFromInt(h.pos.Quantity).
			Mul(decimal.NewFromFloat(r.cfg.AfterhoursMaxPositionPct)).
			Floor().IntPart()
		if capped := reference.RoundDownToLot(maxShares, lot); capped < available {
			available = capped
		}
	}
	if want > available {
		want = available
	}
	return want, nil
}

func (r *Rebalancer) publishSell(ctx context.Context, h holding, qty int64, state types.RegimeState) (bool, error) {
	pending, err := r.queue.HasPending(ctx, h.pos.Symbol, types.SELL)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}
	sig := &types.Signal{
		ID:             uuid.NewString(),
		Symbol:         h.pos.Symbol,
		Side:           types.SELL,
		Quantity:       qty,
		ReferencePrice: h.last,
		Score:          sellScore,
		Strategy:       "rebalancer",
		Urgency:        sellUrgency,
		MaxSlippage:    decimal.NewFromFloat(0.01),
		Reason: fmt.Sprintf("deleverage: regime %s, weakness %d",
			state.Label, h.weakness),
		CreatedAt: time.Now(),
	}
	if err := r.queue.Publish(ctx, sig); err != nil {
		return false, err
	}
	r.logger.Info("deleverage SELL published",
		"symbol", h.pos.Symbol, "quantity", qty, "weakness", h.weakness)
	return true, nil
}

func balanceFor(balances []types.AccountBalance, currency types.Currency) *types.AccountBalance {
	for i := range balances {
		if balances[i].Currency == currency {
			return &balances[i]
		}
	}
	return nil
}

func marketForCurrency(c types.Currency) types.Market {
	switch c {
	case types.HKD:
		return types.MarketHK
	case types.CNY:
		return types.MarketCN
	case types.SGD:
		return types.MarketSG
	}
	return types.MarketUS
}
