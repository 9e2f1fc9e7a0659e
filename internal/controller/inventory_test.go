package controller

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOnFillOpensLongPosition(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")

	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("1")})

	pos := inv.Snapshot()
	if !pos.Quantity.Equal(dec("1")) {
		t.Errorf("Quantity = %v, want 1", pos.Quantity)
	}
	if !pos.AvgEntryPrice.Equal(dec("50000")) {
		t.Errorf("AvgEntryPrice = %v, want 50000", pos.AvgEntryPrice)
	}
}

func TestOnFillExtendsLongPositionRollsAvgPrice(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")

	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("1")})
	inv.OnFill(Fill{Side: quote.Buy, Price: dec("51000"), Size: dec("1")})

	pos := inv.Snapshot()
	if !pos.Quantity.Equal(dec("2")) {
		t.Errorf("Quantity = %v, want 2", pos.Quantity)
	}
	if !pos.AvgEntryPrice.Equal(dec("50500")) {
		t.Errorf("AvgEntryPrice = %v, want 50500", pos.AvgEntryPrice)
	}
}

func TestOnFillPartialCloseRealizesPnL(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")

	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("2")})
	inv.OnFill(Fill{Side: quote.Sell, Price: dec("51000"), Size: dec("1")})

	pos := inv.Snapshot()
	if !pos.Quantity.Equal(dec("1")) {
		t.Errorf("Quantity = %v, want 1", pos.Quantity)
	}
	if !pos.RealizedPnL.Equal(dec("1000")) {
		t.Errorf("RealizedPnL = %v, want 1000", pos.RealizedPnL)
	}
	if !pos.AvgEntryPrice.Equal(dec("50000")) {
		t.Errorf("AvgEntryPrice = %v, want 50000 (unchanged by a partial close)", pos.AvgEntryPrice)
	}
}

func TestOnFillFullCloseFlattensPosition(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")

	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("1")})
	inv.OnFill(Fill{Side: quote.Sell, Price: dec("50500"), Size: dec("1")})

	pos := inv.Snapshot()
	if !pos.Quantity.IsZero() {
		t.Errorf("Quantity = %v, want 0", pos.Quantity)
	}
	if !pos.AvgEntryPrice.IsZero() {
		t.Errorf("AvgEntryPrice = %v, want 0", pos.AvgEntryPrice)
	}
}

func TestOnFillFlipThroughZeroOpensOppositeSide(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")

	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("1")})
	inv.OnFill(Fill{Side: quote.Sell, Price: dec("50500"), Size: dec("3")})

	pos := inv.Snapshot()
	if !pos.Quantity.Equal(dec("-2")) {
		t.Errorf("Quantity = %v, want -2", pos.Quantity)
	}
	if !pos.AvgEntryPrice.Equal(dec("50500")) {
		t.Errorf("AvgEntryPrice = %v, want 50500 (new short opened at the flipping fill's price)", pos.AvgEntryPrice)
	}
}

func TestStateComputesNavPctAndDriftBps(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")
	inv.OnFill(Fill{Timestamp: time.Now(), Side: quote.Buy, Price: dec("50000"), Size: dec("1")})

	state := inv.State(100000, dec("51000"))
	if !state.NavPct.Equal(dec("51")) {
		t.Errorf("NavPct = %v, want 51", state.NavPct)
	}
	if !state.DriftBps.Equal(dec("200")) {
		t.Errorf("DriftBps = %v, want 200", state.DriftBps)
	}
}

func TestMarkToMarketUpdatesUnrealizedPnL(t *testing.T) {
	t.Parallel()
	inv := NewInventory("BTC-PERP")
	inv.OnFill(Fill{Side: quote.Buy, Price: dec("50000"), Size: dec("2")})

	inv.MarkToMarket(dec("51000"))

	pos := inv.Snapshot()
	if !pos.UnrealizedPnL.Equal(dec("2000")) {
		t.Errorf("UnrealizedPnL = %v, want 2000", pos.UnrealizedPnL)
	}
}
