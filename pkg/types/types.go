// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine - symbols and their
// market suffixes, quote snapshots, candles, trading intents, broker orders,
// positions, and regime state. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ------------------------------------------------------------------------
// Core enums
// ------------------------------------------------------------------------

// Side represents the direction of an intent or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Valid reports whether s is one of the two supported sides.
func (s Side) Valid() bool { return s == BUY || s == SELL }

// Market identifies the exchange a symbol trades on, derived from its suffix.
type Market string

const (
	MarketHK Market = "HK" // Hong Kong (.HK)
	MarketUS Market = "US" // United States (.US)
	MarketCN Market = "CN" // China A-share (.SH / .SZ)
	MarketSG Market = "SG" // Singapore (.SG)
)

// Currency is the ISO 4217 settlement currency of a market.
type Currency string

const (
	HKD Currency = "HKD"
	USD Currency = "USD"
	CNY Currency = "CNY"
	SGD Currency = "SGD"
)

// CurrencyOf returns the settlement currency for a market.
func CurrencyOf(m Market) Currency {
	switch m {
	case MarketHK:
		return HKD
	case MarketUS:
		return USD
	case MarketCN:
		return CNY
	case MarketSG:
		return SGD
	}
	return USD
}

// Session classifies a moment relative to a market's trading day.
type Session string

const (
	SessionPreMarket  Session = "PREMARKET"
	SessionRegular    Session = "REGULAR"
	SessionPostMarket Session = "POSTMARKET"
	SessionClosed     Session = "CLOSED"
)

// OrderType enumerates the supported broker order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce enumerates supported order lifetimes. Only DAY is used.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
)

// OrderStatus is the broker-side lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status can never change again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusExpired:
		return true
	}
	return false
}

// Period is a candle aggregation interval.
type Period string

const (
	Period1m  Period = "1m"
	Period5m  Period = "5m"
	Period15m Period = "15m"
	Period30m Period = "30m"
	Period60m Period = "60m"
	Period1d  Period = "1d"
)

// ------------------------------------------------------------------------
// Symbols
// ------------------------------------------------------------------------

// MarketForSymbol derives the market from a symbol's suffix
// (0700.HK → HK, AAPL.US → US, 600519.SH → CN).
func MarketForSymbol(symbol string) (Market, error) {
	i := strings.LastIndexByte(symbol, '.')
	if i < 0 || i == len(symbol)-1 {
		return "", fmt.Errorf("symbol %q has no market suffix", symbol)
	}
	switch strings.ToUpper(symbol[i+1:]) {
	case "HK":
		return MarketHK, nil
	case "US":
		return MarketUS, nil
	case "SH", "SZ", "CN":
		return MarketCN, nil
	case "SG":
		return MarketSG, nil
	}
	return "", fmt.Errorf("symbol %q has unknown market suffix", symbol)
}

// ------------------------------------------------------------------------
// Market data
// ------------------------------------------------------------------------

// Quote is a realtime snapshot for one symbol.
type Quote struct {
	Symbol      string          `json:"symbol"`
	Last        decimal.Decimal `json:"last"`
	PrevClose   decimal.Decimal `json:"prev_close"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Volume      int64           `json:"volume"`
	Turnover    decimal.Decimal `json:"turnover"`
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	BidSize     int64           `json:"bid_size"`
	AskSize     int64           `json:"ask_size"`
	TradeStatus string          `json:"trade_status"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Spread returns ask − bid, or zero if either side is missing.
func (q Quote) Spread() decimal.Decimal {
	if q.Bid.IsZero() || q.Ask.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid)
}

// Candle is one OHLCV bar. Immutable once the period has closed.
type Candle struct {
	Symbol    string          `json:"symbol"`
	Period    Period          `json:"period"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    int64           `json:"volume"`
	Turnover  decimal.Decimal `json:"turnover"`
}

// Closes extracts the close series as float64 for indicator routines.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

// Highs extracts the high series as float64 for indicator routines.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High.InexactFloat64()
	}
	return out
}

// Lows extracts the low series as float64 for indicator routines.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low.InexactFloat64()
	}
	return out
}

// SecurityStatic is per-symbol reference data from the quote provider.
type SecurityStatic struct {
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name"`
	LotSize  int64    `json:"lot_size"`
	Market   Market   `json:"market"`
	Currency Currency `json:"currency"`
}

// Depth is a top-of-book view used by the adaptive execution style.
type Depth struct {
	Symbol  string          `json:"symbol"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize int64           `json:"bid_size"`
	AskSize int64           `json:"ask_size"`
}

// ------------------------------------------------------------------------
// Positions & account
// ------------------------------------------------------------------------

// Position is a holding in one symbol.
// Invariant: AvailableQuantity ≤ Quantity.
type Position struct {
	Symbol            string          `json:"symbol"`
	Quantity          int64           `json:"quantity"`
	AvailableQuantity int64           `json:"available_quantity"`
	AverageCost       decimal.Decimal `json:"average_cost"`
	Currency          Currency        `json:"currency"`
	Market            Market          `json:"market"`
	EntryTime         time.Time       `json:"entry_time"`
}

// MarketValue returns quantity × price.
func (p Position) MarketValue(price decimal.Decimal) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(p.Quantity))
}

// PnLPct returns the fractional gain/loss against average cost.
func (p Position) PnLPct(price decimal.Decimal) decimal.Decimal {
	if p.AverageCost.IsZero() {
		return decimal.Zero
	}
	return price.Sub(p.AverageCost).Div(p.AverageCost)
}

// AccountBalance is the per-currency cash and margin view from the broker.
// Negative BuyPower with positive Cash indicates cross-currency margin debt.
type AccountBalance struct {
	Currency           Currency        `json:"currency"`
	Cash               decimal.Decimal `json:"cash"`
	BuyPower           decimal.Decimal `json:"buy_power"`
	NetAssets          decimal.Decimal `json:"net_assets"`
	RemainingFinancing decimal.Decimal `json:"remaining_financing"`
	IsMargin           bool            `json:"is_margin"`
}

// ------------------------------------------------------------------------
// Trading intents
// ------------------------------------------------------------------------

// Signal is a trading intent produced by a strategy or the rebalancer and
// carried through the dispatch queue. Score is a 0–100 quality metric that
// drives queue priority; Urgency (1–10) drives execution style selection.
// The two are independent.
type Signal struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Quantity       int64           `json:"quantity"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Score          float64         `json:"score"`
	Strategy       string          `json:"strategy"`
	Urgency        int             `json:"urgency"`
	MaxSlippage    decimal.Decimal `json:"max_slippage"`
	StopLoss       decimal.Decimal `json:"stop_loss,omitempty"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`

	// Queue metadata - managed by the dispatch queue, not by producers.
	RetryCount          int        `json:"retry_count"`
	Counter             uint64     `json:"counter"`  // monotonic insertion counter
	Priority            float64    `json:"priority"` // sorted-set score at publish time
	QueuedAt            time.Time  `json:"queued_at"`
	LastError           string     `json:"last_error,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`

	// OriginalPayload is the exact member this signal occupies in the
	// processing set, kept so completion can remove it even after mutation.
	// Never serialized back into the queue.
	OriginalPayload string `json:"-"`
}

// ------------------------------------------------------------------------
// Orders & fills
// ------------------------------------------------------------------------

// Order is the engine's record of one broker order.
// Invariants: ExecutedQuantity ≤ Quantity; a terminal status never reverts.
type Order struct {
	BrokerOrderID    string          `json:"broker_order_id"`
	ClientOrderID    string          `json:"client_order_id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Quantity         int64           `json:"quantity"`
	LimitPrice       decimal.Decimal `json:"limit_price,omitempty"`
	TIF              TimeInForce     `json:"tif"`
	Status           OrderStatus     `json:"status"`
	ExecutedQuantity int64           `json:"executed_quantity"`
	ExecutedPrice    decimal.Decimal `json:"executed_price"`
	SubmittedAt      time.Time       `json:"submitted_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Fill is one execution report against an order.
type Fill struct {
	BrokerOrderID string          `json:"broker_order_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	FilledAt      time.Time       `json:"filled_at"`
}

// ------------------------------------------------------------------------
// Calendar & regime
// ------------------------------------------------------------------------

// TradingDay is one calendar entry. Sessions are in the market's local zone.
type TradingDay struct {
	Market    Market        `json:"market"`
	TradeDate time.Time     `json:"trade_date"` // midnight, market-local
	Sessions  []SessionSpan `json:"sessions"`
	IsHalfDay bool          `json:"is_half_day"`
}

// SessionSpan is a begin/end pair as minutes after local midnight.
type SessionSpan struct {
	BeginMinute int `json:"begin_minute"`
	EndMinute   int `json:"end_minute"`
}

// RegimeLabel classifies the broad market state.
type RegimeLabel string

const (
	RegimeBull  RegimeLabel = "BULL"
	RegimeRange RegimeLabel = "RANGE"
	RegimeBear  RegimeLabel = "BEAR"
)

// IntradayStyle classifies today's realised move relative to average range.
type IntradayStyle string

const (
	IntradayTrend IntradayStyle = "TREND"
	IntradayRange IntradayStyle = "RANGE"
)

// RegimeState is the output of the regime classifier.
// ReservePct is the fraction of equity to keep in cash, in [0, 0.9].
type RegimeState struct {
	Label         RegimeLabel   `json:"label"`
	ReservePct    float64       `json:"reserve_pct"`
	IntradayStyle IntradayStyle `json:"intraday_style,omitempty"`
	ComputedAt    time.Time     `json:"computed_at"`
}

// ------------------------------------------------------------------------
// Quote push events
// ------------------------------------------------------------------------

// PushEvent is one message from the provider's streaming channel. Exactly
// one of Quote, Depth, or Trade is set depending on Kind.
type PushEvent struct {
	Kind   PushKind  `json:"kind"`
	Symbol string    `json:"symbol"`
	Quote  *Quote    `json:"quote,omitempty"`
	Depth  *Depth    `json:"depth,omitempty"`
	Trade  *PushFill `json:"trade,omitempty"`
	At     time.Time `json:"at"`
}

// PushKind discriminates push event payloads.
type PushKind string

const (
	PushQuote PushKind = "quote"
	PushDepth PushKind = "depth"
	PushTrade PushKind = "trade"
)

// PushFill is a public trade print from the stream (not our own fill).
type PushFill struct {
	Price  decimal.Decimal `json:"price"`
	Volume int64           `json:"volume"`
}

// SubType selects which streams a subscription covers.
type SubType string

const (
	SubQuote SubType = "quote"
	SubDepth SubType = "depth"
	SubTrade SubType = "trade"
)
