// paper.go is an in-memory Broker used for dry-run mode and tests.
//
// Orders fill deterministically: after FillDelay OrderDetail polls, a
// limit order fills fully at its limit price and a market order at the
// mark price. Tests script rejections through SubmitHook and cap buying
// power through MaxPurchase.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Paper is the simulated broker.
type Paper struct {
	logger *slog.Logger

	mu        sync.Mutex
	seq       int64
	orders    map[string]*types.Order
	polls     map[string]int
	positions map[string]types.Position
	balances  map[types.Currency]types.AccountBalance

	// MarkPrice supplies fill prices for market orders. Defaults to the
	// order's limit price when nil.
	MarkPrice func(symbol string) decimal.Decimal

	// SubmitHook, when set, runs before each submit; returning an error
	// rejects the order. Used by tests to script vendor error codes.
	SubmitHook func(req SubmitRequest) error

	// FillDelay is how many OrderDetail polls an order stays NEW before
	// filling. Zero fills on the first poll.
	FillDelay int

	// MaxPurchase overrides EstimateMaxPurchaseQuantity when >= 0.
	MaxPurchase int64
}

// NewPaper creates a paper broker with the given starting balances.
func NewPaper(balances []types.AccountBalance, logger *slog.Logger) *Paper {
	p := &Paper{
		logger:      logger.With("component", "paper_broker"),
		orders:      make(map[string]*types.Order),
		polls:       make(map[string]int),
		positions:   make(map[string]types.Position),
		balances:    make(map[types.Currency]types.AccountBalance),
		MaxPurchase: -1,
	}
	for _, b := range balances {
		p.balances[b.Currency] = b
	}
	return p
}

// SetPosition seeds a holding, used to start dry-run sessions mid-book.
func (p *Paper) SetPosition(pos types.Position) {
	p.mu.Lock()
	p.positions[pos.Symbol] = pos
	p.mu.Unlock()
}

// AccountBalance returns the simulated balances.
func (p *Paper) AccountBalance(ctx context.Context, currency types.Currency) ([]types.AccountBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.AccountBalance
	for _, b := range p.balances {
		if currency == "" || b.Currency == currency {
			out = append(out, b)
		}
	}
	return out, nil
}

// StockPositions returns the simulated holdings.
func (p *Paper) StockPositions(ctx context.Context) ([]types.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// SubmitOrder accepts the order and returns a synthetic broker ID.
func (p *Paper) SubmitOrder(ctx context.Context, req SubmitRequest) (string, error) {
	if p.SubmitHook != nil {
		if err := p.SubmitHook(req); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Idempotency: a resubmit with a known client order ID returns the
	// original broker ID instead of creating a duplicate.
	if req.ClientOrderID != "" {
		for id, o := range p.orders {
			if o.ClientOrderID == req.ClientOrderID && !o.Status.Terminal() {
				return id, nil
			}
		}
	}

	p.seq++
	id := fmt.Sprintf("PAPER-%06d", p.seq)
	now := time.Now()
	p.orders[id] = &types.Order{
		BrokerOrderID: id,
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
	p.logger.Info("paper order accepted",
		"order_id", id,
		"symbol", req.Symbol,
		"side", req.Side,
		"type", req.Type,
		"quantity", req.Quantity,
		"price", req.LimitPrice,
	)
	return id, nil
}

// CancelOrder cancels a live order.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return &APIError{Code: 404, Message: "unknown order"}
	}
	if o.Status.Terminal() {
		return nil
	}
	o.Status = types.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	return nil
}

// ReplaceOrder amends a live order.
func (p *Paper) ReplaceOrder(ctx context.Context, orderID string, quantity int64, price decimal.Decimal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return &APIError{Code: 404, Message: "unknown order"}
	}
	if o.Status.Terminal() {
		return &APIError{Code: 409, Message: "order is terminal"}
	}
	if quantity > 0 {
		o.Quantity = quantity
	}
	if !price.IsZero() {
		o.LimitPrice = price
	}
	o.UpdatedAt = time.Now()
	return nil
}

// TodayOrders returns every simulated order.
func (p *Paper) TodayOrders(ctx context.Context) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Order, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, *o)
	}
	return out, nil
}

// OrderDetail returns the order, advancing the simulated fill clock.
func (p *Paper) OrderDetail(ctx context.Context, orderID string) (*types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, &APIError{Code: 404, Message: "unknown order"}
	}
	if !o.Status.Terminal() {
		p.polls[orderID]++
		if p.polls[orderID] > p.FillDelay {
			p.fillLocked(o)
		}
	}
	cp := *o
	return &cp, nil
}

// HistoryOrders returns terminal orders in the window.
func (p *Paper) HistoryOrders(ctx context.Context, start, end time.Time) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Order
	for _, o := range p.orders {
		if o.Status.Terminal() && !o.SubmittedAt.Before(start) && !o.SubmittedAt.After(end) {
			out = append(out, *o)
		}
	}
	return out, nil
}

// EstimateMaxPurchaseQuantity computes affordability from simulated cash.
func (p *Paper) EstimateMaxPurchaseQuantity(ctx context.Context, symbol string, orderType types.OrderType, side types.Side, price decimal.Decimal) (int64, error) {
	if p.MaxPurchase >= 0 {
		return p.MaxPurchase, nil
	}
	market, err := types.MarketForSymbol(symbol)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	bal, ok := p.balances[types.CurrencyOf(market)]
	if !ok || price.IsZero() {
		return 0, nil
	}
	return bal.Cash.Div(price).IntPart(), nil
}

func (p *Paper) fillLocked(o *types.Order) {
	price := o.LimitPrice
	if o.Type == types.OrderTypeMarket && p.MarkPrice != nil {
		price = p.MarkPrice(o.Symbol)
	}
	o.Status = types.OrderStatusFilled
	o.ExecutedQuantity = o.Quantity
	o.ExecutedPrice = price
	o.UpdatedAt = time.Now()

	// Mutate the simulated position book.
	pos := p.positions[o.Symbol]
	switch o.Side {
	case types.BUY:
		total := pos.AverageCost.Mul(decimal.NewFromInt(pos.Quantity)).Add(price.Mul(decimal.NewFromInt(o.Quantity)))
		pos.Quantity += o.Quantity
		pos.AvailableQuantity += o.Quantity
		if pos.Quantity > 0 {
			pos.AverageCost = total.Div(decimal.NewFromInt(pos.Quantity))
		}
		if pos.Symbol == "" {
			pos.Symbol = o.Symbol
			pos.EntryTime = time.Now()
			if m, err := types.MarketForSymbol(o.Symbol); err == nil {
				pos.Market = m
				pos.Currency = types.CurrencyOf(m)
			}
		}
		p.positions[o.Symbol] = pos
	case types.SELL:
		pos.Quantity -= o.Quantity
		pos.AvailableQuantity -= o.Quantity
		if pos.Quantity <= 0 {
			delete(p.positions, o.Symbol)
		} else {
			p.positions[o.Symbol] = pos
		}
	}
}
