package stoikov

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

func testConfig() config.StoikovConfig {
	return config.StoikovConfig{
		Gamma:               0.1,
		SigmaWindow:         20,
		SigmaLambda:         0.94,
		T:                   1.0,
		MinSpreadBps:        2,
		MaxSpreadBps:        500,
		AlphaSizeRatio:      1.0,
		PostOnlyOffset:      1.0,
		MicropriceLevels:    5,
		LadderLevels:        3,
		LadderSizeDecay:     0.7,
		OrderSizeBase:       100,
		RefreshInterval:     time.Second,
		IntensityWindow:     time.Minute,
		RegimeVolThresholds: []float64{0.2, 0.5},
		RegimeMultipliers:   []float64{1.0, 1.5, 2.5},
		FlowWindow:              time.Minute,
		FlowToxicityThreshold:   0.6,
		FlowCooldownPeriod:      2 * time.Minute,
		FlowMaxSpreadMultiplier: 3.0,
	}
}

func testSymbol() quote.Symbol {
	return quote.Symbol{
		Name:        "BTC-PERP",
		TickSize:    decimal.NewFromFloat(0.01),
		LotStep:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
	}
}

func TestDeriveQuotesSkewsTowardFlatteningPosition(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{
		Symbol:     "BTC-PERP",
		Mid:        decimal.NewFromFloat(50000),
		Volatility: 0.3,
	}

	flat := quote.InventoryState{Position: decimal.Zero}
	long := quote.InventoryState{Position: decimal.NewFromFloat(1.0)}

	qFlat, err := e.DeriveQuotes(market, flat, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes (flat): %v", err)
	}
	qLong, err := e.DeriveQuotes(market, long, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes (long): %v", err)
	}

	// A long position should push the reservation price below mid to
	// encourage selling down the inventory.
	if !qLong.Reservation.LessThan(qFlat.Reservation) {
		t.Errorf("long reservation %s should be < flat reservation %s", qLong.Reservation, qFlat.Reservation)
	}
}

func TestDeriveQuotesNeverCrossed(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{
		Symbol:     "BTC-PERP",
		Mid:        decimal.NewFromFloat(50000),
		Volatility: 0.3,
	}
	q, err := e.DeriveQuotes(market, quote.InventoryState{}, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes: %v", err)
	}
	if !q.BidPrice.LessThan(q.AskPrice) {
		t.Errorf("bid %s must be < ask %s", q.BidPrice, q.AskPrice)
	}
}

func TestDeriveQuotesRejectsZeroMid(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	_, err := e.DeriveQuotes(quote.MarketState{Mid: decimal.Zero}, quote.InventoryState{}, sym, time.Now(), 25)
	if err == nil {
		t.Fatal("expected error for zero mid")
	}
}

func TestLadderSizeDecaysOutward(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{Symbol: "BTC-PERP", Mid: decimal.NewFromFloat(50000), Volatility: 0.3}
	q, err := e.DeriveQuotes(market, quote.InventoryState{}, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes: %v", err)
	}

	ladder := e.Ladder(q, sym)
	if len(ladder) != testConfig().LadderLevels*2 {
		t.Fatalf("len(ladder) = %d, want %d", len(ladder), testConfig().LadderLevels*2)
	}

	var level0Size, level1Size decimal.Decimal
	for _, l := range ladder {
		if l.Side == quote.Buy && l.Level == 0 {
			level0Size = l.Size
		}
		if l.Side == quote.Buy && l.Level == 1 {
			level1Size = l.Size
		}
	}
	if !level0Size.GreaterThan(level1Size) {
		t.Errorf("level0 size %s should exceed level1 size %s", level0Size, level1Size)
	}
}

func TestDeriveQuotesSizesShrinkWithInventory(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{Symbol: "BTC-PERP", Mid: decimal.NewFromFloat(50000), Volatility: 0.3}

	low := quote.InventoryState{NavPct: decimal.NewFromFloat(5)}
	high := quote.InventoryState{NavPct: decimal.NewFromFloat(20)}

	qLow, err := e.DeriveQuotes(market, low, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes (low nav): %v", err)
	}
	qHigh, err := e.DeriveQuotes(market, high, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes (high nav): %v", err)
	}

	if !qHigh.BidSize.LessThan(qLow.BidSize) {
		t.Errorf("bid size should shrink as |nav_pct| grows: low=%s high=%s", qLow.BidSize, qHigh.BidSize)
	}
	if !qHigh.AskSize.LessThan(qLow.AskSize) {
		t.Errorf("ask size should shrink as |nav_pct| grows: low=%s high=%s", qLow.AskSize, qHigh.AskSize)
	}
}

func TestDeriveQuotesSizesSkewWithPosition(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{Symbol: "BTC-PERP", Mid: decimal.NewFromFloat(50000), Volatility: 0.3}

	long := quote.InventoryState{Position: decimal.NewFromFloat(1.0)}
	q, err := e.DeriveQuotes(market, long, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes: %v", err)
	}

	// Long position: engine should size the bid smaller than the ask to
	// favor unloading inventory.
	if !q.BidSize.LessThan(q.AskSize) {
		t.Errorf("long position should skew bid size %s below ask size %s", q.BidSize, q.AskSize)
	}
}

func TestLadderUsesAskSizeForAskLevels(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig())
	sym := testSymbol()
	market := quote.MarketState{Symbol: "BTC-PERP", Mid: decimal.NewFromFloat(50000), Volatility: 0.3}
	long := quote.InventoryState{Position: decimal.NewFromFloat(1.0)}
	q, err := e.DeriveQuotes(market, long, sym, time.Now(), 25)
	if err != nil {
		t.Fatalf("DeriveQuotes: %v", err)
	}
	if q.BidSize.Equal(q.AskSize) {
		t.Fatal("expected skewed bid/ask sizes for a nonzero position to make this test meaningful")
	}

	ladder := e.Ladder(q, sym)
	for _, lvl := range ladder {
		if lvl.Level != 0 {
			continue
		}
		if lvl.Side == quote.Buy && !lvl.Size.Equal(q.BidSize) {
			t.Errorf("bid level 0 size = %s, want %s", lvl.Size, q.BidSize)
		}
		if lvl.Side == quote.Sell && !lvl.Size.Equal(q.AskSize) {
			t.Errorf("ask level 0 size = %s, want %s", lvl.Size, q.AskSize)
		}
	}
}

func TestRegimeMultiplierBucketing(t *testing.T) {
	t.Parallel()
	thresholds := []float64{0.2, 0.5, 1.0}
	multipliers := []float64{1.0, 1.5, 2.5}

	cases := []struct {
		sigma float64
		want  float64
	}{
		{0.1, 1.0},
		{0.2, 1.0},
		{0.3, 1.5},
		{0.9, 2.5},
	}
	for _, c := range cases {
		got := regimeMultiplier(c.sigma, thresholds, multipliers)
		if got != c.want {
			t.Errorf("regimeMultiplier(%v) = %v, want %v", c.sigma, got, c.want)
		}
	}
}

func TestVolEstimatorSeedsBeforeEwma(t *testing.T) {
	t.Parallel()
	v := NewVolEstimator(0.94, 5)
	prices := []float64{100, 100.5, 99.8, 100.3, 100.1, 100.6}
	var last float64
	for _, p := range prices {
		last = v.Update(decimal.NewFromFloat(p), 1.0)
	}
	if last <= 0 {
		t.Errorf("expected positive vol estimate after seeding, got %v", last)
	}
}

func TestIntensityEstimatorRate(t *testing.T) {
	t.Parallel()
	e := NewIntensityEstimator(time.Minute)
	now := time.Now()
	for i := 0; i < 10; i++ {
		e.RecordTrade(now)
	}
	rate := e.Rate()
	if rate <= 0 {
		t.Errorf("expected positive rate, got %v", rate)
	}
}
