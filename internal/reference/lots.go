// lots.go resolves per-symbol board-lot sizes with a TTL cache.
//
// Lookup order: in-memory cache → security_static table → quote provider.
// Provider results are written back to the store so restarts stay warm.
// The router busts a symbol's cache entry when the broker rejects an order
// with the lot-size error code.
package reference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tradecore/pkg/types"
)

const lotCacheTTL = 12 * time.Hour

// defaultLot is used only when every lookup path fails.
var defaultLot = map[types.Market]int64{
	types.MarketHK: 100,
	types.MarketUS: 1,
	types.MarketCN: 100,
	types.MarketSG: 100,
}

// StaticStore persists security reference data.
type StaticStore interface {
	SecurityStatic(ctx context.Context, symbol string) (*types.SecurityStatic, error)
	SaveSecurityStatic(ctx context.Context, info types.SecurityStatic) error
}

// StaticProvider fetches security reference data from the quote vendor.
type StaticProvider interface {
	GetStaticInfo(ctx context.Context, symbols []string) ([]types.SecurityStatic, error)
}

type lotEntry struct {
	lot     int64
	fetched time.Time
}

// LotResolver answers board-lot questions for any watchlist symbol.
// Safe for concurrent use.
type LotResolver struct {
	store    StaticStore
	provider StaticProvider
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]lotEntry
}

// NewLotResolver creates a resolver over the given store and provider.
func NewLotResolver(store StaticStore, provider StaticProvider, logger *slog.Logger) *LotResolver {
	return &LotResolver{
		store:    store,
		provider: provider,
		logger:   logger.With("component", "lots"),
		cache:    make(map[string]lotEntry),
	}
}

// LotSize returns the board lot for a symbol.
func (r *LotResolver) LotSize(ctx context.Context, symbol string) (int64, error) {
	r.mu.RLock()
	entry, ok := r.cache[symbol]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetched) < lotCacheTTL {
		return entry.lot, nil
	}
	return r.refresh(ctx, symbol)
}

// Invalidate drops the cached lot for a symbol. Called when the broker
// signals the cached value is stale.
func (r *LotResolver) Invalidate(symbol string) {
	r.mu.Lock()
	delete(r.cache, symbol)
	r.mu.Unlock()
}

// RoundDownToLot floors quantity to a whole number of lots.
func RoundDownToLot(quantity, lot int64) int64 {
	if lot <= 0 {
		return quantity
	}
	return quantity / lot * lot
}

func (r *LotResolver) refresh(ctx context.Context, symbol string) (int64, error) {
	if info, err := r.store.SecurityStatic(ctx, symbol); err == nil && info != nil && info.LotSize > 0 {
		r.put(symbol, info.LotSize)
		return info.LotSize, nil
	}

	infos, err := r.provider.GetStaticInfo(ctx, []string{symbol})
	if err == nil && len(infos) > 0 && infos[0].LotSize > 0 {
		info := infos[0]
		if err := r.store.SaveSecurityStatic(ctx, info); err != nil {
			r.logger.Warn("failed to persist security static", "symbol", symbol, "error", err)
		}
		r.put(symbol, info.LotSize)
		return info.LotSize, nil
	}

	market, merr := types.MarketForSymbol(symbol)
	if merr != nil {
		return 0, fmt.Errorf("lot size for %s: %w", symbol, merr)
	}
	if err != nil {
		r.logger.Warn("lot lookup failed, using market default",
			"symbol", symbol, "market", market, "error", err)
	}
	lot := defaultLot[market]
	r.put(symbol, lot)
	return lot, nil
}

func (r *LotResolver) put(symbol string, lot int64) {
	r.mu.Lock()
	r.cache[symbol] = lotEntry{lot: lot, fetched: time.Now()}
	r.mu.Unlock()
}
