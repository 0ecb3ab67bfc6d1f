// ticks.go encodes per-market tick-size tables.
//
// US and CN equities tick at a flat 0.01. HK uses the HKEX banded spread
// table: the tick depends on the price band the order price falls in. The
// band table is a sorted list searched by price; decimal precision follows
// the band.
package reference

import (
	"sort"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// tickBand is one row of a banded tick table: prices strictly below Upper
// tick at Tick with Decimals places.
type tickBand struct {
	Upper    decimal.Decimal
	Tick     decimal.Decimal
	Decimals int32
}

var hkBands = []tickBand{
	{decimal.RequireFromString("0.25"), decimal.RequireFromString("0.001"), 3},
	{decimal.RequireFromString("0.50"), decimal.RequireFromString("0.005"), 3},
	{decimal.RequireFromString("10"), decimal.RequireFromString("0.01"), 2},
	{decimal.RequireFromString("20"), decimal.RequireFromString("0.02"), 2},
	{decimal.RequireFromString("100"), decimal.RequireFromString("0.05"), 2},
	{decimal.RequireFromString("200"), decimal.RequireFromString("0.10"), 2},
	{decimal.RequireFromString("500"), decimal.RequireFromString("0.20"), 2},
	{decimal.RequireFromString("1000"), decimal.RequireFromString("0.50"), 2},
	{decimal.RequireFromString("2000"), decimal.RequireFromString("1.00"), 0},
	{decimal.RequireFromString("5000"), decimal.RequireFromString("2.00"), 0},
}

var hkTopTick = decimal.RequireFromString("5.00")

var centTick = decimal.RequireFromString("0.01")

// TickSize returns the minimum price increment for a market at a price.
func TickSize(market types.Market, price decimal.Decimal) decimal.Decimal {
	switch market {
	case types.MarketHK:
		i := sort.Search(len(hkBands), func(i int) bool {
			return price.LessThan(hkBands[i].Upper)
		})
		if i == len(hkBands) {
			return hkTopTick
		}
		return hkBands[i].Tick
	default:
		return centTick
	}
}

// SnapToTick rounds price onto the market's tick grid. BUY prices round
// down and SELL prices round up so a snapped order never crosses further
// than the caller intended.
func SnapToTick(market types.Market, price decimal.Decimal, side types.Side) decimal.Decimal {
	tick := TickSize(market, price)
	steps := price.Div(tick)
	if side == types.SELL {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	snapped := steps.Mul(tick)
	// A SELL snap can climb into the next band; re-snap with that band's
	// tick so the result sits on a valid grid point.
	if !TickSize(market, snapped).Equal(tick) {
		return SnapToTick(market, snapped, types.BUY)
	}
	return snapped
}

// OnTick reports whether price sits exactly on the market's tick grid.
func OnTick(market types.Market, price decimal.Decimal) bool {
	tick := TickSize(market, price)
	return price.Mod(tick).IsZero()
}
