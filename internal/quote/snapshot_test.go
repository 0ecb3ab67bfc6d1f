package quote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// stubProvider serves scripted quotes, counts REST hits, and hands the
// registered push callback back to tests.
type stubProvider struct {
	quotes map[string]types.Quote
	err    error
	calls  int
	onPush func(types.PushEvent)
}

func (s *stubProvider) GetRealtimeQuote(_ context.Context, symbols []string) ([]types.Quote, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []types.Quote
	for _, sym := range symbols {
		if q, ok := s.quotes[sym]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *stubProvider) GetHistoryCandles(context.Context, string, types.Period, time.Time, time.Time) ([]types.Candle, error) {
	return nil, nil
}

func (s *stubProvider) GetCandlesticks(context.Context, string, types.Period, int, Adjust) ([]types.Candle, error) {
	return nil, nil
}

func (s *stubProvider) GetStaticInfo(context.Context, []string) ([]types.SecurityStatic, error) {
	return nil, nil
}

func (s *stubProvider) GetDepth(context.Context, string) (*types.Depth, error) {
	return &types.Depth{}, nil
}

func (s *stubProvider) TradingDays(context.Context, types.Market, time.Time, time.Time) ([]types.TradingDay, error) {
	return nil, nil
}

func (s *stubProvider) Subscribe(context.Context, []string, []types.SubType, bool) error { return nil }
func (s *stubProvider) Unsubscribe(context.Context, []string) error                      { return nil }
func (s *stubProvider) SetOnPush(fn func(types.PushEvent))                               { s.onPush = fn }

func restQuote(symbol, last string) types.Quote {
	return types.Quote{
		Symbol:    symbol,
		Last:      decimal.RequireFromString(last),
		Timestamp: time.Now(),
	}
}

func TestSnapshotServesFreshPushWithoutREST(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{}
	s := NewSnapshot(provider, time.Minute)

	pushed := restQuote("0700.HK", "350.40")
	s.Absorb(types.PushEvent{Kind: types.PushQuote, Symbol: "0700.HK", Quote: &pushed})

	q, err := s.GetRealtimeQuote(context.Background(), "0700.HK")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Last.Equal(pushed.Last) {
		t.Errorf("last = %s, want the pushed 350.40", q.Last)
	}
	if provider.calls != 0 {
		t.Errorf("REST calls = %d, want 0 with a fresh push", provider.calls)
	}
}

func TestSnapshotRefreshesStaleCache(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{quotes: map[string]types.Quote{
		"0700.HK": restQuote("0700.HK", "351.00"),
	}}
	s := NewSnapshot(provider, time.Minute)

	stale := restQuote("0700.HK", "350.40")
	stale.Timestamp = time.Now().Add(-2 * time.Minute)
	s.Absorb(types.PushEvent{Kind: types.PushQuote, Symbol: "0700.HK", Quote: &stale})

	q, err := s.GetRealtimeQuote(context.Background(), "0700.HK")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Last.Equal(decimal.RequireFromString("351.00")) {
		t.Errorf("last = %s, want the REST refresh 351.00", q.Last)
	}
	if provider.calls != 1 {
		t.Errorf("REST calls = %d, want 1", provider.calls)
	}
}

func TestSnapshotFallsBackToStaleWhenProviderDown(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{err: fmt.Errorf("vendor unavailable")}
	s := NewSnapshot(provider, time.Minute)

	stale := restQuote("0700.HK", "350.40")
	stale.Timestamp = time.Now().Add(-time.Hour)
	s.Absorb(types.PushEvent{Kind: types.PushQuote, Symbol: "0700.HK", Quote: &stale})

	q, err := s.GetRealtimeQuote(context.Background(), "0700.HK")
	if err != nil {
		t.Fatalf("stale cache must backstop a provider outage: %v", err)
	}
	if !q.Last.Equal(decimal.RequireFromString("350.40")) {
		t.Errorf("last = %s, want the stale 350.40", q.Last)
	}

	if _, err := s.GetRealtimeQuote(context.Background(), "9988.HK"); err == nil {
		t.Error("uncached symbol with the provider down must error")
	}
}

func TestSnapshotIgnoresNonQuotePushes(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{err: fmt.Errorf("vendor unavailable")}
	s := NewSnapshot(provider, time.Minute)

	s.Absorb(types.PushEvent{Kind: types.PushTrade, Symbol: "0700.HK"})

	if _, err := s.GetRealtimeQuote(context.Background(), "0700.HK"); err == nil {
		t.Error("trade push must not seed the quote cache")
	}
}
