// snapshot.go caches the latest quote per symbol, fed by the push stream
// and backstopped by the REST provider.
//
// Consumers throughout the engine want "the current quote for one symbol";
// serving that from the push cache keeps the hot paths off the vendor's
// request budget.
package quote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradecore/pkg/types"
)

// Snapshot is a single-symbol quote surface over a batch Provider.
type Snapshot struct {
	provider Provider
	ttl      time.Duration

	mu    sync.RWMutex
	cache map[string]types.Quote
}

// NewSnapshot creates a cache. ttl bounds how stale a pushed quote may be
// before a REST refresh is forced.
func NewSnapshot(provider Provider, ttl time.Duration) *Snapshot {
	return &Snapshot{
		provider: provider,
		ttl:      ttl,
		cache:    make(map[string]types.Quote),
	}
}

// Absorb ingests one push event. Wire it to a Gateway subscription.
func (s *Snapshot) Absorb(evt types.PushEvent) {
	if evt.Kind != types.PushQuote || evt.Quote == nil {
		return
	}
	s.mu.Lock()
	s.cache[evt.Symbol] = *evt.Quote
	s.mu.Unlock()
}

// GetRealtimeQuote returns the freshest quote for one symbol, from the
// push cache when recent enough, otherwise from the provider.
func (s *Snapshot) GetRealtimeQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	s.mu.RLock()
	cached, ok := s.cache[symbol]
	s.mu.RUnlock()
	if ok && time.Since(cached.Timestamp) < s.ttl {
		q := cached
		return &q, nil
	}

	quotes, err := s.provider.GetRealtimeQuote(ctx, []string{symbol})
	if err != nil {
		if ok {
			// Stale beats nothing when the vendor is down.
			q := cached
			return &q, nil
		}
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	q := quotes[0]
	s.mu.Lock()
	s.cache[symbol] = q
	s.mu.Unlock()
	return &q, nil
}

// GetDepth passes through to the provider.
func (s *Snapshot) GetDepth(ctx context.Context, symbol string) (*types.Depth, error) {
	return s.provider.GetDepth(ctx, symbol)
}
