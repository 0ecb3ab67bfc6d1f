// poll.go submits orders with the adaptive broker-error retries and polls
// fills until a deadline.
package router

import (
	"context"
	"fmt"
	"time"

	"tradecore/internal/broker"
	"tradecore/internal/reference"
	"tradecore/pkg/types"
)

const (
	fillPollInterval = time.Second
	pollErrorBudget  = 3
)

// submitAndPoll places one order, applies the lot-size and stale-price
// adaptive retries, persists the order, and polls until it is terminal or
// the deadline passes. Partial fills at the deadline count as success; the
// unfilled remainder is cancelled best-effort.
func (r *Router) submitAndPoll(ctx context.Context, plan *intentPlan, req broker.SubmitRequest, deadline time.Duration) (*types.Order, error) {
	orderID, req, err := r.submitAdaptive(ctx, plan, req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	order := types.Order{
		BrokerOrderID: orderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		TIF:           req.TIF,
		Status:        types.OrderStatusNew,
		SubmittedAt:   now,
		UpdatedAt:     now,
	}
	if err := r.store.InsertOrder(ctx, order); err != nil {
		r.logger.Error("order persist failed", "order", orderID, "error", err)
	}

	final, err := r.pollOrder(ctx, &order, deadline)
	if err != nil {
		return nil, err
	}
	return final, nil
}

// submitAdaptive handles the two deterministic broker errors that get one
// adaptive retry each: lot-size (re-fetch lot, re-round, resubmit) and
// stale-price (refresh quote, repick from the opposite side, resubmit).
// The possibly adjusted request is returned alongside the order id.
func (r *Router) submitAdaptive(ctx context.Context, plan *intentPlan, req broker.SubmitRequest) (string, broker.SubmitRequest, error) {
	orderID, err := r.broker.SubmitOrder(ctx, req)
	if err == nil {
		return orderID, req, nil
	}
	apiErr, ok := broker.AsAPIError(err)
	if !ok {
		return "", req, err
	}

	switch apiErr.Code {
	case r.brokerCfg.LotSizeErrorCode:
		r.lots.Invalidate(req.Symbol)
		lot, lerr := r.lots.LotSize(ctx, req.Symbol)
		if lerr != nil {
			return "", req, fmt.Errorf("lot refetch after %v: %w", apiErr, lerr)
		}
		adjusted := reference.RoundDownToLot(req.Quantity, lot)
		if adjusted == 0 {
			return "", req, terminalf("adjusted quantity is 0 lots (lot %d)", lot)
		}
		if adjusted == req.Quantity {
			// Same quantity would fail the same way.
			return "", req, terminalf("lot-size rejection with unchanged quantity %d (lot %d)", adjusted, lot)
		}
		r.logger.Info("lot-size retry", "symbol", req.Symbol, "was", req.Quantity, "now", adjusted, "lot", lot)
		req.Quantity = adjusted
		plan.lot = lot

	case r.brokerCfg.StalePriceErrorCode:
		quote, qerr := r.quotes.GetRealtimeQuote(ctx, req.Symbol)
		if qerr != nil {
			return "", req, fmt.Errorf("quote refresh after %v: %w", apiErr, qerr)
		}
		fresh := FarSidePrice(plan.market, req.Side, quote.Bid, quote.Ask)
		r.logger.Info("stale-price retry", "symbol", req.Symbol,
			"was", req.LimitPrice, "now", fresh)
		req.LimitPrice = fresh
		plan.quote = *quote

	default:
		return "", req, err
	}

	orderID, err = r.broker.SubmitOrder(ctx, req)
	if err != nil {
		return "", req, fmt.Errorf("adaptive resubmit: %w", err)
	}
	return orderID, req, nil
}

// pollOrder watches one order every second until it is terminal or the
// deadline passes. Every observed transition is persisted; fill deltas are
// appended to the fills table. Poll errors are tolerated up to a budget.
func (r *Router) pollOrder(ctx context.Context, order *types.Order, deadline time.Duration) (*types.Order, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	pollErrors := 0
	last := *order

	for {
		select {
		case <-ctx.Done():
			r.cancelRemainder(&last)
			return &last, nil
		case <-timer.C:
			// Deadline: partial fills are success, the rest is cancelled.
			r.cancelRemainder(&last)
			return &last, nil
		case <-ticker.C:
		}

		detail, err := r.broker.OrderDetail(ctx, order.BrokerOrderID)
		if err != nil {
			pollErrors++
			r.logger.Warn("order poll failed",
				"order", order.BrokerOrderID, "attempt", pollErrors, "error", err)
			if pollErrors >= pollErrorBudget {
				return nil, fmt.Errorf("order %s: %d consecutive poll failures: %w",
					order.BrokerOrderID, pollErrors, err)
			}
			continue
		}
		pollErrors = 0

		r.absorbUpdate(ctx, &last, detail)

		switch detail.Status {
		case types.OrderStatusFilled:
			return &last, nil
		case types.OrderStatusRejected, types.OrderStatusCancelled, types.OrderStatusExpired:
			if last.ExecutedQuantity > 0 {
				return &last, nil
			}
			return nil, fmt.Errorf("order %s ended %s with no fills", order.BrokerOrderID, detail.Status)
		}
	}
}

// absorbUpdate merges a polled detail into the tracked order, persisting
// the transition and any fill delta. Terminal states never revert.
func (r *Router) absorbUpdate(ctx context.Context, last *types.Order, detail *types.Order) {
	if last.Status.Terminal() {
		return
	}
	changed := detail.Status != last.Status || detail.ExecutedQuantity != last.ExecutedQuantity
	if !changed {
		return
	}

	if delta := detail.ExecutedQuantity - last.ExecutedQuantity; delta > 0 {
		fill := types.Fill{
			BrokerOrderID: last.BrokerOrderID,
			Symbol:        last.Symbol,
			Side:          last.Side,
			Quantity:      delta,
			Price:         detail.ExecutedPrice,
			FilledAt:      time.Now(),
		}
		if err := r.store.InsertFill(ctx, fill); err != nil {
			r.logger.Error("fill persist failed", "order", last.BrokerOrderID, "error", err)
		}
	}

	last.Status = detail.Status
	last.ExecutedQuantity = detail.ExecutedQuantity
	last.ExecutedPrice = detail.ExecutedPrice
	last.UpdatedAt = time.Now()
	if err := r.store.UpdateOrder(ctx, *last); err != nil {
		r.logger.Error("order update persist failed", "order", last.BrokerOrderID, "error", err)
	}
}

// cancelRemainder cancels the unfilled part of a live order. Best-effort:
// the broker may have filled it in the meantime.
func (r *Router) cancelRemainder(order *types.Order) {
	if order.Status.Terminal() || order.ExecutedQuantity >= order.Quantity {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		r.logger.Warn("cancel remainder failed", "order", order.BrokerOrderID, "error", err)
		return
	}
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now()
	if err := r.store.UpdateOrder(ctx, *order); err != nil {
		r.logger.Error("order update persist failed", "order", order.BrokerOrderID, "error", err)
	}
}
