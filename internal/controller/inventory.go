// inventory.go tracks the running signed position for one symbol: fills
// move the quantity and average entry price, opposite-direction fills
// realize PnL on the closed portion. Adapted from the teacher's dual
// YES/NO inventory tracker (internal/strategy/inventory.go), collapsed to
// a single signed quantity since this venue prices one decimal instrument
// per symbol rather than a complementary pair of binary-outcome tokens.
package controller

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// Fill is one execution applied to the running position.
type Fill struct {
	Timestamp time.Time
	Side      quote.Side
	Price     decimal.Decimal
	Size      decimal.Decimal
}

// Position is a point-in-time snapshot of one symbol's inventory.
type Position struct {
	Quantity      decimal.Decimal // signed base units, positive is long
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	LastUpdated   time.Time
}

// Inventory tracks position, average entry price, and PnL for one symbol.
// Thread-safe: fills arrive off the user WS feed while the quote loop reads
// a snapshot concurrently.
type Inventory struct {
	mu     sync.RWMutex
	symbol string
	pos    Position
}

// NewInventory creates an inventory tracker for one symbol.
func NewInventory(symbol string) *Inventory {
	return &Inventory{symbol: symbol}
}

// OnFill applies a fill. A fill in the direction of the existing position
// (or opening a flat one) extends it and rolls the average entry price
// forward. A fill against the existing position closes it and realizes
// PnL on the portion closed; any remainder flips the position and opens a
// new one at the fill price.
func (inv *Inventory) OnFill(f Fill) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	signedSize := f.Size
	if f.Side == quote.Sell {
		signedSize = signedSize.Neg()
	}

	if inv.pos.Quantity.IsZero() || sameSign(inv.pos.Quantity, signedSize) {
		totalCost := inv.pos.AvgEntryPrice.Mul(inv.pos.Quantity.Abs()).Add(f.Price.Mul(f.Size))
		inv.pos.Quantity = inv.pos.Quantity.Add(signedSize)
		if !inv.pos.Quantity.IsZero() {
			inv.pos.AvgEntryPrice = totalCost.Div(inv.pos.Quantity.Abs())
		}
	} else {
		closingQty := decimal.Min(f.Size, inv.pos.Quantity.Abs())
		pnlPerUnit := f.Price.Sub(inv.pos.AvgEntryPrice)
		if inv.pos.Quantity.IsNegative() {
			pnlPerUnit = inv.pos.AvgEntryPrice.Sub(f.Price)
		}
		inv.pos.RealizedPnL = inv.pos.RealizedPnL.Add(pnlPerUnit.Mul(closingQty))

		flipped := f.Size.GreaterThan(closingQty)
		inv.pos.Quantity = inv.pos.Quantity.Add(signedSize)

		if inv.pos.Quantity.Abs().LessThan(quote.EpsilonPosition) {
			inv.pos.Quantity = decimal.Zero
			inv.pos.AvgEntryPrice = decimal.Zero
		} else if flipped {
			inv.pos.AvgEntryPrice = f.Price
		}
	}

	inv.pos.LastUpdated = f.Timestamp
}

func sameSign(a, b decimal.Decimal) bool {
	return a.Sign() == b.Sign()
}

// Snapshot returns a copy of the current position.
func (inv *Inventory) Snapshot() Position {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.pos
}

// MarkToMarket recomputes unrealized PnL against the current mid.
func (inv *Inventory) MarkToMarket(mid decimal.Decimal) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.pos.Quantity.IsZero() {
		inv.pos.UnrealizedPnL = decimal.Zero
		return
	}
	inv.pos.UnrealizedPnL = mid.Sub(inv.pos.AvgEntryPrice).Mul(inv.pos.Quantity)
}

// State projects the tracked position into the read-only InventoryState the
// rest of the system consumes, given current NAV (for exposure-as-percent
// sizing) and mid (for drift-from-entry).
func (inv *Inventory) State(nav float64, mid decimal.Decimal) quote.InventoryState {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	navPct := decimal.Zero
	if nav > 0 && !mid.IsZero() {
		notional := inv.pos.Quantity.Abs().Mul(mid)
		navPct = notional.Div(decimal.NewFromFloat(nav)).Mul(decimal.NewFromInt(100))
	}

	driftBps := decimal.Zero
	if !inv.pos.AvgEntryPrice.IsZero() {
		driftBps = mid.Sub(inv.pos.AvgEntryPrice).Div(inv.pos.AvgEntryPrice).Mul(decimal.NewFromInt(10000))
	}

	return quote.InventoryState{
		Symbol:        inv.symbol,
		Position:      inv.pos.Quantity,
		NavPct:        navPct,
		EntryPrice:    inv.pos.AvgEntryPrice,
		UnrealizedPnL: inv.pos.UnrealizedPnL,
		DriftBps:      driftBps,
		Timestamp:     inv.pos.LastUpdated,
	}
}
