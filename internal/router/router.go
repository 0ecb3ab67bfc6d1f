// Package router consumes the signal dispatch queue and turns intents into
// broker orders.
//
// One router runs per account. Each cycle pops the best pending intent,
// validates it, asks the risk checker, picks an execution style, submits
// the order or slices, polls fills, and records everything before marking
// the intent complete or failed.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/pkg/types"
)

const idlePollInterval = 500 * time.Millisecond

// Queue is the consumer surface of the dispatch queue.
type Queue interface {
	Consume(ctx context.Context) (*types.Signal, error)
	MarkCompleted(ctx context.Context, sig *types.Signal) error
	MarkFailed(ctx context.Context, sig *types.Signal, cause string, retryable bool) error
}

// RiskChecker is the pre-trade gate.
type RiskChecker interface {
	Check(ctx context.Context, sig *types.Signal, price decimal.Decimal) (bool, string)
}

// QuoteSource supplies realtime quotes and top-of-book depth.
type QuoteSource interface {
	GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error)
	GetDepth(ctx context.Context, symbol string) (*types.Depth, error)
}

// CandleSource supplies persisted candles for volume statistics.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, period types.Period, limit int) ([]types.Candle, error)
}

// MarketClock answers what session a market is in right now.
type MarketClock interface {
	SessionOf(market types.Market, now time.Time) types.Session
}

// Lots resolves board lots and drops stale cache entries after a broker
// lot-size rejection.
type Lots interface {
	LotSize(ctx context.Context, symbol string) (int64, error)
	Invalidate(symbol string)
}

// Watchlist answers whether a symbol is tradeable.
type Watchlist interface {
	Contains(symbol string) bool
}

// OrderStore persists orders and fills.
type OrderStore interface {
	InsertOrder(ctx context.Context, o types.Order) error
	UpdateOrder(ctx context.Context, o types.Order) error
	InsertFill(ctx context.Context, f types.Fill) error
}

// PositionMeta records open instants for the rotation scorer.
type PositionMeta interface {
	Record(ctx context.Context, symbol string, entryPrice decimal.Decimal) error
	Clear(ctx context.Context, symbol string) error
}

// Rotator frees capital for underfunded high-score BUYs. May be nil.
type Rotator interface {
	Rotate(ctx context.Context, target *types.Signal, shortfall decimal.Decimal, now time.Time) (int, error)
}

// Notifier delivers user-visible messages. May be nil.
type Notifier interface {
	Send(ctx context.Context, text string)
}

// Router is the queue consumer.
type Router struct {
	cfg       config.RouterConfig
	brokerCfg config.BrokerConfig
	queue     Queue
	risk      RiskChecker
	broker    broker.Broker
	quotes    QuoteSource
	candles   CandleSource
	clock     MarketClock
	lots      Lots
	watchlist Watchlist
	store     OrderStore
	posMeta   PositionMeta
	rotator   Rotator
	notifier  Notifier
	logger    *slog.Logger
}

// New wires a router. rotator, posMeta, and notifier may be nil.
func New(cfg config.RouterConfig, brokerCfg config.BrokerConfig, queue Queue, risk RiskChecker,
	brk broker.Broker, quotes QuoteSource, candles CandleSource, clock MarketClock, lots Lots,
	watchlist Watchlist, store OrderStore, posMeta PositionMeta, rotator Rotator,
	notifier Notifier, logger *slog.Logger) *Router {
	return &Router{
		cfg:       cfg,
		brokerCfg: brokerCfg,
		queue:     queue,
		risk:      risk,
		broker:    brk,
		quotes:    quotes,
		candles:   candles,
		clock:     clock,
		lots:      lots,
		watchlist: watchlist,
		store:     store,
		posMeta:   posMeta,
		rotator:   rotator,
		notifier:  notifier,
		logger:    logger.With("component", "router"),
	}
}

// Run consumes until the context is cancelled. Queue errors are logged and
// treated as "nothing to do".
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started")
	for {
		sig, err := r.queue.Consume(ctx)
		if err != nil {
			r.logger.Warn("consume failed", "error", err)
			sig = nil
		}
		if sig == nil {
			select {
			case <-ctx.Done():
				r.logger.Info("router stopped")
				return ctx.Err()
			case <-time.After(idlePollInterval):
			}
			continue
		}
		r.process(ctx, sig)

		select {
		case <-ctx.Done():
			r.logger.Info("router stopped")
			return ctx.Err()
		default:
		}
	}
}

// process drives one intent end to end. All outcomes are terminal for this
// consumption: the intent leaves processing via MarkCompleted or MarkFailed.
func (r *Router) process(ctx context.Context, sig *types.Signal) {
	log := r.logger.With("intent", sig.ID, "symbol", sig.Symbol, "side", sig.Side)
	log.Info("processing intent", "quantity", sig.Quantity, "score", sig.Score, "retry", sig.RetryCount)

	plan, rej := r.validate(ctx, sig)
	if rej != nil {
		r.finishFailed(ctx, sig, rej.reason, rej.retryable)
		return
	}

	if ok, reason := r.risk.Check(ctx, sig, plan.quote.Last); !ok {
		log.Warn("risk check rejected intent", "reason", reason)
		r.finishFailed(ctx, sig, "risk: "+reason, false)
		return
	}

	// The intent may have been submitted by a consumer that died after the
	// broker accepted the order, then recovered or requeued.
	if done, err := r.alreadySubmitted(ctx, sig); err != nil {
		log.Warn("idempotency check failed", "error", err)
	} else if done {
		log.Info("intent already submitted by a previous consumer, completing")
		r.finishCompleted(ctx, sig)
		return
	}

	style := r.chooseStyle(ctx, plan)
	log.Info("execution style chosen", "style", style, "quantity", plan.quantity)

	res, err := r.execute(ctx, plan, style)
	if err != nil {
		retryable, reason := r.classifyExecError(err)
		log.Error("execution failed", "error", err, "retryable", retryable)
		r.notify(ctx, fmt.Sprintf("❌ %s %s ×%d failed: %s", sig.Side, sig.Symbol, plan.quantity, reason))
		r.finishFailed(ctx, sig, reason, retryable)
		return
	}

	r.recordPosition(ctx, plan, res)
	if res.aborted {
		r.notify(ctx, fmt.Sprintf("⚠️ %s %s: %d/%d filled, slippage budget exhausted",
			sig.Side, sig.Symbol, res.filled, res.requested))
	} else {
		r.notify(ctx, fmt.Sprintf("✅ %s %s: %d/%d filled @ %s",
			sig.Side, sig.Symbol, res.filled, res.requested, res.avgPrice.StringFixed(3)))
	}
	log.Info("intent executed",
		"requested", res.requested, "filled", res.filled,
		"avg_price", res.avgPrice.StringFixed(4), "aborted", res.aborted)
	r.finishCompleted(ctx, sig)
}

// classifyExecError maps an execution error to a retry decision and a
// stored reason. Validation-style failures from the broker are terminal,
// transient transport errors are retried by the queue.
func (r *Router) classifyExecError(err error) (bool, string) {
	var term *terminalError
	if errors.As(err, &term) {
		return false, term.Error()
	}
	if apiErr, ok := broker.AsAPIError(err); ok {
		// Deterministic broker rejections not covered by the adaptive
		// retries still requeue within the intent's budget.
		return true, apiErr.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true, err.Error()
	}
	return true, err.Error()
}

// terminalError marks failures that must not be requeued.
type terminalError struct{ msg string }

func (e *terminalError) Error() string { return e.msg }

func terminalf(format string, args ...any) error {
	return &terminalError{msg: fmt.Sprintf(format, args...)}
}

func (r *Router) finishCompleted(ctx context.Context, sig *types.Signal) {
	if err := r.queue.MarkCompleted(ctx, sig); err != nil {
		r.logger.Error("mark completed failed", "intent", sig.ID, "error", err)
	}
}

func (r *Router) finishFailed(ctx context.Context, sig *types.Signal, reason string, retryable bool) {
	if err := r.queue.MarkFailed(ctx, sig, reason, retryable); err != nil {
		r.logger.Error("mark failed failed", "intent", sig.ID, "error", err)
	}
}

// alreadySubmitted scans today's orders for any client order id carrying
// this intent's ID. Matching on the ID alone covers both recovered zombies
// (same retry count) and requeued failures (earlier retry count).
func (r *Router) alreadySubmitted(ctx context.Context, sig *types.Signal) (bool, error) {
	orders, err := r.broker.TodayOrders(ctx)
	if err != nil {
		return false, err
	}
	prefix := sig.ID + "-"
	for _, o := range orders {
		if !strings.HasPrefix(o.ClientOrderID, prefix) {
			continue
		}
		// Terminal with no fills had no economic effect; a retry may
		// resubmit.
		if o.Status.Terminal() && o.Status != types.OrderStatusFilled && o.ExecutedQuantity == 0 {
			continue
		}
		return true, nil
	}
	return false, nil
}

// clientOrderID derives the idempotency key for one slice of an intent.
// Slice 0 is also the whole-intent key for single-order styles.
func clientOrderID(sig *types.Signal, slice int) string {
	return fmt.Sprintf("%s-%d-%d", sig.ID, sig.RetryCount, slice)
}

func (r *Router) notify(ctx context.Context, text string) {
	if r.notifier != nil {
		r.notifier.Send(ctx, text)
	}
}

// recordPosition updates the redis position metadata after fills.
func (r *Router) recordPosition(ctx context.Context, plan *intentPlan, res *execResult) {
	if r.posMeta == nil || res.filled == 0 {
		return
	}
	var err error
	if plan.sig.Side == types.BUY {
		err = r.posMeta.Record(ctx, plan.sig.Symbol, res.avgPrice)
	} else if res.filled >= plan.held {
		err = r.posMeta.Clear(ctx, plan.sig.Symbol)
	}
	if err != nil {
		r.logger.Warn("position meta update failed", "symbol", plan.sig.Symbol, "error", err)
	}
}
