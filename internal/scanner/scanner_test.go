package scanner

import (
	"testing"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
)

func testScannerConfig() config.ScannerConfig {
	return config.ScannerConfig{
		MinLiquidity:     1000,
		MinVolume24h:     500,
		MinSpread:        0.01,
		ExcludeSymbols:   []string{"excluded-perp"},
		MaxActiveSymbols: 3,
	}
}

func baseInstrument() instrumentWire {
	return instrumentWire{
		Symbol:      "BTC-PERP",
		Active:      true,
		Tradeable:   true,
		TickSize:    "0.01",
		LotStep:     "0.001",
		MinNotional: "5",
		Liquidity:   5000,
		Volume24h:   1000,
		Spread:      0.05,
		BestBid:     49990,
		BestAsk:     50010,
	}
}

func newTestScanner() *Scanner {
	return &Scanner{cfg: testScannerConfig(), maxActive: 3}
}

func TestFilterInstrumentsPassesValid(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	result := s.filterInstruments([]instrumentWire{baseInstrument()})
	if len(result) != 1 {
		t.Fatalf("expected 1 instrument, got %d", len(result))
	}
}

func TestFilterInstrumentsRejectsInactive(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	in := baseInstrument()
	in.Active = false
	result := s.filterInstruments([]instrumentWire{in})
	if len(result) != 0 {
		t.Errorf("expected 0 instruments for inactive, got %d", len(result))
	}
}

func TestFilterInstrumentsRejectsNotTradeable(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	in := baseInstrument()
	in.Tradeable = false
	result := s.filterInstruments([]instrumentWire{in})
	if len(result) != 0 {
		t.Errorf("expected 0 instruments for non-tradeable, got %d", len(result))
	}
}

func TestFilterInstrumentsRejectsLowLiquidity(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	in := baseInstrument()
	in.Liquidity = 100
	result := s.filterInstruments([]instrumentWire{in})
	if len(result) != 0 {
		t.Errorf("expected 0 instruments for low liquidity, got %d", len(result))
	}
}

func TestFilterInstrumentsRejectsExcludedSymbol(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	in := baseInstrument()
	in.Symbol = "excluded-perp"
	result := s.filterInstruments([]instrumentWire{in})
	if len(result) != 0 {
		t.Errorf("expected 0 instruments for excluded symbol, got %d", len(result))
	}
}

func TestFilterInstrumentsRejectsMissingFilters(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	in := baseInstrument()
	in.TickSize = ""
	result := s.filterInstruments([]instrumentWire{in})
	if len(result) != 0 {
		t.Errorf("expected 0 instruments for missing tick size, got %d", len(result))
	}
}

func TestRankInstrumentsSortsByScoreDescending(t *testing.T) {
	t.Parallel()
	s := newTestScanner()

	low := baseInstrument()
	low.Symbol = "LOW-PERP"
	low.Spread = 0.01

	high := baseInstrument()
	high.Symbol = "HIGH-PERP"
	high.Spread = 0.10

	ranked := s.rankInstruments([]instrumentWire{low, high})
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked instruments, got %d", len(ranked))
	}
	if ranked[0].Symbol.Name != "HIGH-PERP" {
		t.Errorf("expected HIGH-PERP ranked first, got %s", ranked[0].Symbol.Name)
	}
	if ranked[0].Score <= ranked[1].Score {
		t.Errorf("expected descending score order, got %v then %v", ranked[0].Score, ranked[1].Score)
	}
}
