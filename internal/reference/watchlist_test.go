package reference

import (
	"os"
	"path/filepath"
	"testing"

	"tradecore/pkg/types"
)

func TestBuiltinWatchlist(t *testing.T) {
	t.Parallel()
	w := BuiltinWatchlist()

	if !w.Contains("0700.HK") {
		t.Error("builtin list must contain 0700.HK")
	}
	if w.Contains("ZZZZ.HK") {
		t.Error("unknown symbol reported as contained")
	}
	if got := len(w.ForMarket(types.MarketHK)); got != 5 {
		t.Errorf("HK symbols = %d, want 5", got)
	}

	markets := w.Markets()
	want := map[types.Market]bool{types.MarketHK: true, types.MarketUS: true, types.MarketCN: true}
	if len(markets) != len(want) {
		t.Fatalf("markets = %v, want HK/US/CN", markets)
	}
	for _, m := range markets {
		if !want[m] {
			t.Errorf("unexpected market %s", m)
		}
	}
}

func TestLoadWatchlistFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "watchlist.txt")
	content := "# comment\n0700.hk\n\nAAPL.US\n600519.SH\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := LoadWatchlist(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Lowercase input is normalised.
	if !w.Contains("0700.HK") {
		t.Error("lowercase symbol not normalised to 0700.HK")
	}
	if got := w.Symbols(); len(got) != 3 {
		t.Errorf("symbols = %v, want 3 entries", got)
	}
}

func TestLoadWatchlistRejectsBadSuffix(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "watchlist.txt")
	if err := os.WriteFile(path, []byte("AAPL\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWatchlist(path); err == nil {
		t.Error("symbol without market suffix must be rejected")
	}
}

func TestLoadWatchlistRejectsEmpty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "watchlist.txt")
	if err := os.WriteFile(path, []byte("# nothing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadWatchlist(path); err == nil {
		t.Error("empty watchlist must be rejected")
	}
}
