package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/stoikov"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

type fakeExchange struct {
	mu         sync.Mutex
	placed     int
	cancelled  int
	cancelAll  int
	failPlace  bool
	lastTIF    quote.TimeInForce
	exchangeID map[string]string
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{exchangeID: make(map[string]string)}
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPlace {
		return OrderAck{}, fmt.Errorf("simulated placement failure")
	}
	f.placed++
	f.lastTIF = req.TIF
	id := uuid.NewString()
	f.exchangeID[req.ClientID] = id
	return OrderAck{ExchangeID: id}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, exchangeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return nil
}

func (f *fakeExchange) CancelAllForSymbol(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelAll++
	return nil
}

type fakeRateGate struct {
	mu       sync.Mutex
	attempts int
	failures int
	success  int
}

func (g *fakeRateGate) RecordOrderAttempt() { g.mu.Lock(); g.attempts++; g.mu.Unlock() }
func (g *fakeRateGate) RecordOrderFailure() { g.mu.Lock(); g.failures++; g.mu.Unlock() }
func (g *fakeRateGate) RecordOrderSuccess() { g.mu.Lock(); g.success++; g.mu.Unlock() }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSymbol() quote.Symbol {
	return quote.Symbol{
		Name:        "BTC-PERP",
		TickSize:    decimal.NewFromFloat(0.01),
		LotStep:     decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
	}
}

// testTunables keeps the repost gate and TTL short enough for tests to
// exercise them without sleeping for the production defaults. The repost
// gate is a positive nanosecond because a zero value falls back to the
// 200ms default.
func testTunables() Tunables {
	return Tunables{
		OrderTTL:         50 * time.Millisecond,
		RepostInterval:   time.Nanosecond,
		MaxRetries:       2,
		RetryBackoffBase: 10 * time.Millisecond,
		CooldownDuration: 50 * time.Millisecond,
	}
}

func TestReconcilePlacesNewLadder(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
		{Side: quote.Sell, Level: 0, Price: decimal.NewFromFloat(100.01), Size: decimal.NewFromFloat(1)},
	}

	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if ex.placed != 2 {
		t.Errorf("placed = %d, want 2", ex.placed)
	}
	if len(e.LiveOrders()) != 2 {
		t.Errorf("live orders = %d, want 2", len(e.LiveOrders()))
	}
}

func TestReconcileKeepsOrdersWithinTolerance(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.placed != 1 {
		t.Fatalf("placed = %d, want 1", ex.placed)
	}

	// Same level, price unchanged, well within TTL: reconcile again should
	// not cancel or replace.
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.cancelled != 0 {
		t.Errorf("cancelled = %d, want 0 (order within tolerance should be kept)", ex.cancelled)
	}
	if ex.placed != 1 {
		t.Errorf("placed = %d, want still 1", ex.placed)
	}
}

func TestReconcileCancelReplacesOnPriceDrift(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	first := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), first); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	drifted := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.50), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), drifted); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if ex.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1 after price drift beyond tolerance", ex.cancelled)
	}
	if ex.placed != 2 {
		t.Errorf("placed = %d, want 2 (original + replacement)", ex.placed)
	}
}

func TestReconcileForcesRefreshOnTTLExpiry(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	tune := testTunables()
	tune.OrderTTL = 1 * time.Millisecond
	e := NewEngine(testSymbol(), ex, rg, testLogger(), tune)

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	// Unchanged level, but the resting order's TTL has expired: reconcile
	// must cancel and repost it rather than leaving it resting forever.
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.cancelled != 1 {
		t.Errorf("cancelled = %d, want 1 after TTL expiry", ex.cancelled)
	}
	if ex.placed != 2 {
		t.Errorf("placed = %d, want 2 (original + TTL repost)", ex.placed)
	}
}

func TestReconcileRetriesRejectedPlacementWithBackoff(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	ex.failPlace = true
	rg := &fakeRateGate{}
	tune := testTunables()
	tune.RetryBackoffBase = 1 * time.Millisecond
	tune.MaxRetries = 2
	e := NewEngine(testSymbol(), ex, rg, testLogger(), tune)

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), ladder); err == nil {
		t.Fatal("expected reconcile to report the placement failure")
	}
	if len(e.LiveOrders()) != 1 {
		t.Fatalf("live orders = %d, want 1 (pending retry, not dropped)", len(e.LiveOrders()))
	}
	ord := e.LiveOrders()[0]
	if ord.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 after first rejection", ord.RetryCount)
	}

	time.Sleep(5 * time.Millisecond)
	ex.failPlace = false

	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.placed != 1 {
		t.Errorf("placed = %d, want 1 (retry succeeded)", ex.placed)
	}
}

func TestReconcileDropsOrderAfterExhaustingRetries(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	ex.failPlace = true
	rg := &fakeRateGate{}
	tune := testTunables()
	tune.RetryBackoffBase = 1 * time.Millisecond
	tune.MaxRetries = 1
	// Hold the level's repost gate closed so the second pass does not place
	// a fresh order for the level right after the exhausted one is dropped.
	tune.RepostInterval = time.Minute
	e := NewEngine(testSymbol(), ex, rg, testLogger(), tune)

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	_ = e.Reconcile(context.Background(), ladder)
	time.Sleep(5 * time.Millisecond)
	_ = e.Reconcile(context.Background(), ladder)

	if len(e.LiveOrders()) != 0 {
		t.Errorf("live orders = %d, want 0 once retries are exhausted", len(e.LiveOrders()))
	}
}

func TestOnFillTransitionsToPartialThenFilled(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(2)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	var exchangeID string
	for cid, xid := range ex.exchangeID {
		_ = cid
		exchangeID = xid
	}

	ord, ok := e.OnFill(exchangeID, decimal.NewFromFloat(1))
	if !ok {
		t.Fatal("expected fill to match a managed order")
	}
	if ord.State != quote.StatePartialFilled {
		t.Errorf("state = %v, want PartialFilled", ord.State)
	}

	// A partial fill's remainder is reposted at medium priority on the next
	// reconcile rather than being left to rest at the stale size.
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.placed != 2 {
		t.Errorf("placed = %d, want 2 (original + partial-fill repost)", ex.placed)
	}

	live := e.LiveOrders()
	if len(live) != 1 {
		t.Fatalf("live orders = %d, want 1 (the reposted remainder)", len(live))
	}
	exchangeID = live[0].ExchangeID
	ord, ok = e.OnFill(exchangeID, decimal.NewFromFloat(1))
	if !ok {
		t.Fatal("expected second fill to match")
	}
	if ord.State != quote.StateFilled {
		t.Errorf("state = %v, want Filled", ord.State)
	}
}

func TestFlattenCancelsAllAndPlacesOffsettingOrder(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
		{Side: quote.Sell, Level: 0, Price: decimal.NewFromFloat(100.01), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	placedBeforeFlatten := ex.placed

	if err := e.Flatten(context.Background(), decimal.NewFromFloat(1.5)); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if ex.cancelAll != 1 {
		t.Errorf("cancelAll = %d, want 1", ex.cancelAll)
	}
	if len(e.LiveOrders()) != 0 {
		t.Errorf("expected no live orders after flatten")
	}
	if ex.placed != placedBeforeFlatten+1 {
		t.Errorf("placed = %d, want %d (offsetting order issued)", ex.placed, placedBeforeFlatten+1)
	}
	if ex.lastTIF != quote.IOC {
		t.Errorf("offsetting order TIF = %v, want IOC", ex.lastTIF)
	}
	if !e.InCooldown() {
		t.Error("expected engine to be in cooldown immediately after flatten")
	}
}

func TestFlattenSkipsOffsettingOrderWhenAlreadyFlat(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	if err := e.Flatten(context.Background(), decimal.Zero); err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if ex.placed != 0 {
		t.Errorf("placed = %d, want 0 when position is already flat", ex.placed)
	}
}

func TestReconcileNoOpDuringCooldown(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	tune := testTunables()
	tune.CooldownDuration = 50 * time.Millisecond
	e := NewEngine(testSymbol(), ex, rg, testLogger(), tune)

	if err := e.Flatten(context.Background(), decimal.Zero); err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(1)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.placed != 0 {
		t.Errorf("placed = %d, want 0 while still in cooldown", ex.placed)
	}
}

func TestPlaceOrderSkippedBelowMinNotional(t *testing.T) {
	t.Parallel()
	ex := newFakeExchange()
	rg := &fakeRateGate{}
	e := NewEngine(testSymbol(), ex, rg, testLogger(), testTunables())

	// price*size = 0.01*0.01 = 0.0001, far below MinNotional of 5.
	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(0.01), Size: decimal.NewFromFloat(0.01)},
	}
	if err := e.Reconcile(context.Background(), ladder); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if ex.placed != 0 {
		t.Errorf("placed = %d, want 0 for sub-minimum-notional order", ex.placed)
	}
}

func TestEstimateQueueAheadNotional(t *testing.T) {
	t.Parallel()
	levels := []quote.PriceLevel{
		{Price: decimal.NewFromFloat(100), Size: decimal.NewFromFloat(2)},
		{Price: decimal.NewFromFloat(99.99), Size: decimal.NewFromFloat(3)},
	}
	ahead := EstimateQueueAheadNotional(levels, decimal.NewFromFloat(99.99), quote.Buy)
	want := decimal.NewFromFloat(100).Mul(decimal.NewFromFloat(2)).Add(decimal.NewFromFloat(99.99).Mul(decimal.NewFromFloat(3)))
	if !ahead.Equal(want) {
		t.Errorf("ahead = %s, want %s", ahead, want)
	}
}
