package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func sampleBook(seq int64) quote.L2Book {
	return quote.L2Book{
		Symbol: "BTC-PERP",
		Bids: []quote.PriceLevel{
			{Price: d("100.00"), Size: d("2")},
			{Price: d("99.99"), Size: d("1")},
		},
		Asks: []quote.PriceLevel{
			{Price: d("100.02"), Size: d("1")},
			{Price: d("100.03"), Size: d("3")},
		},
		Sequence:  seq,
		Timestamp: time.Now(),
	}
}

func TestApplyBookAndSnapshot(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)

	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}

	snap, ok := p.Snapshot()
	if !ok {
		t.Fatal("expected snapshot after valid book")
	}
	wantMid := d("100.01")
	if !snap.Mid.Equal(wantMid) {
		t.Errorf("Mid = %s, want %s", snap.Mid, wantMid)
	}
	if snap.SequenceGap {
		t.Error("no sequence gap expected on first book")
	}
}

func TestApplyBookRejectsCrossedBook(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)

	crossed := sampleBook(1)
	crossed.Bids[0].Price = d("100.05") // now >= best ask

	if err := p.ApplyBook(crossed); err == nil {
		t.Fatal("expected error for crossed book")
	}
	if _, ok := p.Snapshot(); ok {
		t.Error("crossed book must not mutate state")
	}
}

func TestApplyBookDetectsSequenceGap(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)

	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	if err := p.ApplyBook(sampleBook(5)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}

	snap, ok := p.Snapshot()
	if !ok {
		t.Fatal("expected snapshot")
	}
	if !snap.SequenceGap {
		t.Error("expected sequence gap to be flagged")
	}
}

func TestMicropriceFollowsLargerSide(t *testing.T) {
	t.Parallel()
	// microprice_levels=1: only the top-of-book level feeds the calculation.
	p := NewProcessor("BTC-PERP", time.Minute, 1)
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	snap, _ := p.Snapshot()

	mid := d("100.01")
	// top bid size (2) > top ask size (1): more size wants to buy, so
	// microprice should lean toward the ask relative to the plain mid.
	if !snap.Microprice.GreaterThan(mid) {
		t.Errorf("Microprice = %s, want > mid %s (heavier bid should pull toward ask)", snap.Microprice, mid)
	}
}

func TestMicropriceAggregatesMultipleLevels(t *testing.T) {
	t.Parallel()
	// With all sampleBook levels included (Vb=3, Va=4), the heavier ask-side
	// volume should pull the multi-level microprice back below the plain mid,
	// unlike the top-of-book-only case above.
	p := NewProcessor("BTC-PERP", time.Minute, 5)
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	snap, _ := p.Snapshot()

	mid := d("100.01")
	if !snap.Microprice.LessThan(mid) {
		t.Errorf("Microprice = %s, want < mid %s with heavier aggregate ask volume", snap.Microprice, mid)
	}
}

func TestWeightedMidIsTopOfBookCrossWeighted(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	snap, _ := p.Snapshot()

	// (100.00*1 + 100.02*2) / (2+1) = 300.04/3
	want := d("100.00").Mul(d("1")).Add(d("100.02").Mul(d("2"))).Div(d("3"))
	if !snap.WeightedMid.Equal(want) {
		t.Errorf("WeightedMid = %s, want %s", snap.WeightedMid, want)
	}
}

func TestOrderBookImbalanceSign(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	snap, _ := p.Snapshot()

	// bid depth (3) > ask depth (4)? let's check actual: bids 2+1=3, asks 1+3=4
	if snap.OBI >= 0 {
		t.Errorf("OBI = %v, want negative (ask depth heavier)", snap.OBI)
	}
}

func TestImpactPriceInsufficientDepth(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}

	_, ok := p.ImpactPrice(quote.Buy, d("1000000"))
	if ok {
		t.Error("expected insufficient-depth impact price to fail")
	}

	px, ok := p.ImpactPrice(quote.Buy, d("50"))
	if !ok {
		t.Fatal("expected impact price to succeed within depth")
	}
	if px.LessThan(d("100.02")) {
		t.Errorf("impact price %s should be >= best ask", px)
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	p := NewProcessor("BTC-PERP", time.Minute, 5)
	if !p.IsStale(time.Millisecond) {
		t.Error("fresh processor with no book should be stale")
	}
	if err := p.ApplyBook(sampleBook(1)); err != nil {
		t.Fatalf("ApplyBook: %v", err)
	}
	if p.IsStale(time.Minute) {
		t.Error("just-updated book should not be stale")
	}
}
