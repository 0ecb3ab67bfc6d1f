// watchlist.go loads the canonical set of tradeable symbols.
//
// Two sources: a built-in default list covering the three markets, or a
// plain-text file with one symbol per line (# comments allowed). Every
// publication and execution site checks membership before acting.
package reference

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"tradecore/pkg/types"
)

// builtinSymbols is the default watchlist used when no file is configured.
var builtinSymbols = []string{
	"0700.HK", "9988.HK", "3690.HK", "1810.HK", "0005.HK",
	"AAPL.US", "MSFT.US", "NVDA.US", "META.US", "QQQ.US",
	"600519.SH", "000858.SZ", "601318.SH",
}

// Watchlist is the canonical symbol set. Safe for concurrent use.
type Watchlist struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
	ordered []string
}

// BuiltinWatchlist returns the default symbol set.
func BuiltinWatchlist() *Watchlist {
	return newWatchlist(builtinSymbols)
}

// LoadWatchlist reads symbols from a file, one per line.
func LoadWatchlist(path string) (*Watchlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open watchlist: %w", err)
	}
	defer f.Close()

	var symbols []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sym := strings.ToUpper(line)
		if _, err := types.MarketForSymbol(sym); err != nil {
			return nil, fmt.Errorf("watchlist line %q: %w", line, err)
		}
		symbols = append(symbols, sym)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	if len(symbols) == 0 {
		return nil, fmt.Errorf("watchlist %s is empty", path)
	}
	return newWatchlist(symbols), nil
}

func newWatchlist(symbols []string) *Watchlist {
	w := &Watchlist{symbols: make(map[string]struct{}, len(symbols))}
	for _, s := range symbols {
		if _, ok := w.symbols[s]; ok {
			continue
		}
		w.symbols[s] = struct{}{}
		w.ordered = append(w.ordered, s)
	}
	return w
}

// Contains reports whether the symbol is tradeable.
func (w *Watchlist) Contains(symbol string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.symbols[symbol]
	return ok
}

// Symbols returns the watchlist in load order.
func (w *Watchlist) Symbols() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.ordered))
	copy(out, w.ordered)
	return out
}

// ForMarket returns the subset of symbols trading on the given market.
func (w *Watchlist) ForMarket(market types.Market) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for _, s := range w.ordered {
		if m, err := types.MarketForSymbol(s); err == nil && m == market {
			out = append(out, s)
		}
	}
	return out
}

// Markets returns the distinct markets the watchlist spans.
func (w *Watchlist) Markets() []types.Market {
	w.mu.RLock()
	defer w.mu.RUnlock()
	seen := make(map[types.Market]struct{})
	var out []types.Market
	for _, s := range w.ordered {
		m, err := types.MarketForSymbol(s)
		if err != nil {
			continue
		}
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
