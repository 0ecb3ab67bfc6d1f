// Package risk enforces pre-trade limits for every intent the router is
// about to execute.
//
// The checker holds a periodically refreshed account snapshot (equity,
// exposure, realised P&L, positions) and answers Check() synchronously.
// Daily-loss and drawdown breaches latch a lockout: opening intents are
// rejected until the next trading day, while closing SELLs stay allowed so
// the book can still be de-risked.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/pkg/types"
)

// OrderCounter supplies today's order counts, backed by the orders table.
type OrderCounter interface {
	OrdersSince(ctx context.Context, t time.Time) (int, error)
	OrdersForSymbolSince(ctx context.Context, symbol string, t time.Time) (int, error)
}

// Snapshot is the account state the checker evaluates against.
type Snapshot struct {
	Equity        decimal.Decimal
	LongExposure  decimal.Decimal
	ShortExposure decimal.Decimal
	DailyRealized decimal.Decimal // realised P&L since the day open, signed
	Positions     map[string]types.Position
	Taken         time.Time
}

// Checker validates intents against configured limits. Safe for concurrent
// use.
type Checker struct {
	cfg    config.RiskConfig
	orders OrderCounter
	logger *slog.Logger

	mu          sync.RWMutex
	snap        Snapshot
	peakEquity  decimal.Decimal
	dayStart    time.Time
	lockedAt    time.Time
	lockedUntil time.Time
	lockReason  string
}

// NewChecker creates a checker.
func NewChecker(cfg config.RiskConfig, orders OrderCounter, logger *slog.Logger) *Checker {
	return &Checker{
		cfg:    cfg,
		orders: orders,
		logger: logger.With("component", "risk"),
	}
}

// UpdateSnapshot replaces the account state. Called by the engine after
// every balance/position sync. Tracks peak equity for the drawdown cap.
func (c *Checker) UpdateSnapshot(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	if snap.Equity.GreaterThan(c.peakEquity) {
		c.peakEquity = snap.Equity
	}
}

// StartDay resets the daily counters and clears a lockout latched on an
// earlier day. dayOpen is the local session open used as the counting
// window start.
func (c *Checker) StartDay(dayOpen time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dayStart = dayOpen
	if !c.lockedUntil.IsZero() && dayOpen.After(c.lockedAt) {
		c.logger.Info("risk lockout cleared", "reason", c.lockReason)
		c.lockedAt = time.Time{}
		c.lockedUntil = time.Time{}
		c.lockReason = ""
	}
}

// Locked reports whether opening intents are currently rejected.
func (c *Checker) Locked() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lockedUntil.IsZero() || time.Now().After(c.lockedUntil) {
		return false, ""
	}
	return true, c.lockReason
}

// Check validates one intent at the given reference price. A false result
// carries the reason; the router fails the intent without retry.
func (c *Checker) Check(ctx context.Context, sig *types.Signal, price decimal.Decimal) (bool, string) {
	if sig.Quantity <= 0 {
		return false, "quantity must be positive"
	}
	if !sig.Side.Valid() {
		return false, fmt.Sprintf("invalid side %q", sig.Side)
	}

	c.mu.RLock()
	snap := c.snap
	peak := c.peakEquity
	dayStart := c.dayStart
	c.mu.RUnlock()

	notional := price.Mul(decimal.NewFromInt(sig.Quantity))
	opening := c.isOpening(sig, snap)

	// Loss lockouts bind opening intents only.
	if opening {
		if ok, reason := c.checkLossCaps(snap, peak); !ok {
			return false, reason
		}
	}

	if opening {
		if ok, reason := c.checkSizeCaps(sig, snap, price, notional); !ok {
			return false, reason
		}
		if ok, reason := c.checkExposureCaps(sig, snap, notional); !ok {
			return false, reason
		}
		if ok, reason := c.checkSignalRisk(sig, snap, price); !ok {
			return false, reason
		}
	}

	if ok, reason := c.checkOrderCounts(ctx, sig, dayStart); !ok {
		return false, reason
	}

	return true, ""
}

// isOpening reports whether the intent increases exposure: any BUY, or a
// SELL beyond the held quantity.
func (c *Checker) isOpening(sig *types.Signal, snap Snapshot) bool {
	if sig.Side == types.BUY {
		return true
	}
	pos, ok := snap.Positions[sig.Symbol]
	return !ok || sig.Quantity > pos.Quantity
}

func (c *Checker) checkLossCaps(snap Snapshot, peak decimal.Decimal) (bool, string) {
	if snap.Equity.IsZero() {
		return true, ""
	}

	lossCap := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxDailyLossPct)).Neg()
	if snap.DailyRealized.LessThan(lossCap) {
		reason := fmt.Sprintf("daily loss cap breached: realised %s < %s",
			snap.DailyRealized.StringFixed(2), lossCap.StringFixed(2))
		c.latchLockout(reason)
		return false, reason
	}

	if peak.IsPositive() {
		drawdown := snap.Equity.Sub(peak).Div(peak)
		if drawdown.LessThan(decimal.NewFromFloat(-c.cfg.MaxDrawdownPct)) {
			reason := fmt.Sprintf("drawdown cap breached: %s from peak", drawdown.StringFixed(4))
			c.latchLockout(reason)
			return false, reason
		}
	}

	if locked, reason := c.Locked(); locked {
		return false, reason
	}
	return true, ""
}

func (c *Checker) checkSizeCaps(sig *types.Signal, snap Snapshot, price, notional decimal.Decimal) (bool, string) {
	held := int64(0)
	heldValue := decimal.Zero
	if pos, ok := snap.Positions[sig.Symbol]; ok {
		held = pos.Quantity
		heldValue = pos.MarketValue(price)
	}

	if c.cfg.MaxPositionShares > 0 && sig.Side == types.BUY && held+sig.Quantity > c.cfg.MaxPositionShares {
		return false, fmt.Sprintf("position size limit: %d + %d > %d shares",
			held, sig.Quantity, c.cfg.MaxPositionShares)
	}
	if c.cfg.MaxPositionNotional > 0 && sig.Side == types.BUY {
		limit := decimal.NewFromFloat(c.cfg.MaxPositionNotional)
		if heldValue.Add(notional).GreaterThan(limit) {
			return false, fmt.Sprintf("position notional limit: %s > %s",
				heldValue.Add(notional).StringFixed(2), limit.StringFixed(2))
		}
	}
	if sig.Side == types.BUY && snap.Equity.IsPositive() {
		allocCap := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxAllocationPct))
		if heldValue.Add(notional).GreaterThan(allocCap) {
			return false, fmt.Sprintf("allocation cap: %s exceeds %.0f%% of equity",
				heldValue.Add(notional).StringFixed(2), c.cfg.MaxAllocationPct*100)
		}
	}
	return true, ""
}

func (c *Checker) checkExposureCaps(sig *types.Signal, snap Snapshot, notional decimal.Decimal) (bool, string) {
	if snap.Equity.IsZero() {
		return true, ""
	}
	switch sig.Side {
	case types.BUY:
		limit := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxLongExposurePct))
		if snap.LongExposure.Add(notional).GreaterThan(limit) {
			return false, fmt.Sprintf("long exposure cap: %s + %s > %s",
				snap.LongExposure.StringFixed(2), notional.StringFixed(2), limit.StringFixed(2))
		}
	case types.SELL:
		limit := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxShortExposurePct))
		if snap.ShortExposure.Add(notional).GreaterThan(limit) {
			return false, fmt.Sprintf("short exposure cap: %s + %s > %s",
				snap.ShortExposure.StringFixed(2), notional.StringFixed(2), limit.StringFixed(2))
		}
	}
	return true, ""
}

// checkSignalRisk enforces (price − stop_loss) × qty ≤ MaxSignalRiskPct × equity.
func (c *Checker) checkSignalRisk(sig *types.Signal, snap Snapshot, price decimal.Decimal) (bool, string) {
	if sig.StopLoss.IsZero() || snap.Equity.IsZero() || sig.Side != types.BUY {
		return true, ""
	}
	atRisk := price.Sub(sig.StopLoss).Mul(decimal.NewFromInt(sig.Quantity))
	limit := snap.Equity.Mul(decimal.NewFromFloat(c.cfg.MaxSignalRiskPct))
	if atRisk.GreaterThan(limit) {
		return false, fmt.Sprintf("signal risk %s exceeds %.1f%% of equity",
			atRisk.StringFixed(2), c.cfg.MaxSignalRiskPct*100)
	}
	return true, ""
}

func (c *Checker) checkOrderCounts(ctx context.Context, sig *types.Signal, dayStart time.Time) (bool, string) {
	if dayStart.IsZero() {
		return true, ""
	}
	if c.cfg.MaxDailyOrders > 0 {
		n, err := c.orders.OrdersSince(ctx, dayStart)
		if err != nil {
			c.logger.Warn("daily order count unavailable", "error", err)
		} else if n >= c.cfg.MaxDailyOrders {
			return false, fmt.Sprintf("daily order cap reached (%d)", c.cfg.MaxDailyOrders)
		}
	}
	if c.cfg.MaxOrdersPerSymbolDay > 0 {
		n, err := c.orders.OrdersForSymbolSince(ctx, sig.Symbol, dayStart)
		if err != nil {
			c.logger.Warn("symbol order count unavailable", "symbol", sig.Symbol, "error", err)
		} else if n >= c.cfg.MaxOrdersPerSymbolDay {
			return false, fmt.Sprintf("daily order cap for %s reached (%d)", sig.Symbol, c.cfg.MaxOrdersPerSymbolDay)
		}
	}
	return true, ""
}

func (c *Checker) latchLockout(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lockedUntil.IsZero() && time.Now().Before(c.lockedUntil) {
		return
	}
	// Until the next StartDay; 24h is a safe upper bound across markets.
	c.lockedAt = time.Now()
	c.lockedUntil = c.lockedAt.Add(24 * time.Hour)
	c.lockReason = reason
	c.logger.Error("RISK LOCKOUT", "reason", reason, "until", c.lockedUntil)
}
