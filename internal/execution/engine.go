// Package execution implements the Execution Engine: an explicit per-order
// state machine that reconciles a desired quote ladder against live orders,
// applies rate gating and partial-fill repost policy, and can flatten the
// full ladder into a cooldown on a risk or shutdown signal.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/stoikov"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// PlaceOrderRequest is what the engine asks the Exchange capability to place.
type PlaceOrderRequest struct {
	ClientID string
	Symbol   string
	Side     quote.Side
	Price    decimal.Decimal
	Size     decimal.Decimal
	TIF      quote.TimeInForce
}

// OrderAck is what a successful placement returns.
type OrderAck struct {
	ExchangeID string
}

// Exchange is the capability the execution engine needs from the venue
// adapter. The concrete implementation lives in internal/exchange.
type Exchange interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, exchangeID string) error
	CancelAllForSymbol(ctx context.Context, symbol string) error
}

// RateGate is the subset of the risk manager the engine uses to throttle
// order actions and report outcomes back into the failure counter.
type RateGate interface {
	RecordOrderAttempt()
	RecordOrderFailure()
	RecordOrderSuccess()
}

// Stats is a running tally of engine activity, exposed for observability.
type Stats struct {
	OrdersPlaced    int64
	OrdersCancelled int64
	OrdersRejected  int64
	FillsReceived   int64
	TotalFilledSize decimal.Decimal
}

// Tunables configures TTL, retry, repost-rate, and cooldown behavior. Zero
// values fall back to the defaults applied in NewEngine.
type Tunables struct {
	OrderTTL         time.Duration
	RepostInterval   time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
	CooldownDuration time.Duration
}

const (
	sizeToleranceFraction   = 0.10
	defaultOrderTTL         = 5 * time.Second
	defaultRepostInterval   = 200 * time.Millisecond
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = time.Second
	defaultCooldownWindow   = 5 * time.Second
)

func (t Tunables) withDefaults() Tunables {
	if t.OrderTTL <= 0 {
		t.OrderTTL = defaultOrderTTL
	}
	if t.RepostInterval <= 0 {
		t.RepostInterval = defaultRepostInterval
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = defaultMaxRetries
	}
	if t.RetryBackoffBase <= 0 {
		t.RetryBackoffBase = defaultRetryBackoffBase
	}
	if t.CooldownDuration <= 0 {
		t.CooldownDuration = defaultCooldownWindow
	}
	return t
}

// pendingPlacement is one level queued for (re)placement during a reconcile
// pass, annotated with the priority that decides drain order when several
// levels compete for the same repost budget.
type pendingPlacement struct {
	key      quote.LevelKey
	lvl      stoikov.LadderLevel
	priority quote.Priority
}

// Engine owns the full set of managed orders for one symbol and drives each
// one through quote.OrderState.
type Engine struct {
	symbol string
	sym    quote.Symbol

	exchange Exchange
	rate     RateGate
	logger   *slog.Logger

	mu     sync.Mutex
	orders map[string]*quote.ManagedOrder // clientID -> order
	stats  Stats

	priceTolerance decimal.Decimal

	ttl              time.Duration
	repostInterval   time.Duration
	maxRetries       int
	retryBackoffBase time.Duration
	lastRepost       map[quote.LevelKey]time.Time

	cooldownDuration time.Duration
	cooldownUntil    time.Time
}

// NewEngine creates an execution engine for one symbol.
func NewEngine(sym quote.Symbol, exchange Exchange, rate RateGate, logger *slog.Logger, tune Tunables) *Engine {
	tune = tune.withDefaults()
	return &Engine{
		symbol:           sym.Name,
		sym:              sym,
		exchange:         exchange,
		rate:             rate,
		logger:           logger.With("component", "execution", "symbol", sym.Name),
		orders:           make(map[string]*quote.ManagedOrder),
		priceTolerance:   sym.TickSize,
		ttl:              tune.OrderTTL,
		repostInterval:   tune.RepostInterval,
		maxRetries:       tune.MaxRetries,
		retryBackoffBase: tune.RetryBackoffBase,
		lastRepost:       make(map[quote.LevelKey]time.Time),
		cooldownDuration: tune.CooldownDuration,
	}
}

// Reconcile diffs the desired ladder against live orders: orders within
// tolerance and not TTL-expired are kept, everything else is cancelled and
// queued for replacement (spec §4.4's cancel-replace cycle), with reposts
// drained high-priority-first and rate-gated per level. Levels not present
// in desired are cancelled outright. Reconcile is a no-op while the engine
// is in its post-flatten cooldown.
func (e *Engine) Reconcile(ctx context.Context, ladder []stoikov.LadderLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.inCooldownLocked() {
		return nil
	}

	e.retryPendingLocked(ctx)

	desired := make(map[quote.LevelKey]stoikov.LadderLevel, len(ladder))
	for _, lvl := range ladder {
		desired[quote.LevelKey{Side: lvl.Side, Level: lvl.Level}] = lvl
	}

	matched := make(map[quote.LevelKey]bool, len(desired))
	var pending []pendingPlacement
	now := time.Now()

	for id, ord := range e.orders {
		if !isLiveState(ord.State) {
			continue
		}
		key := quote.LevelKey{Side: ord.Side, Level: ord.LadderLevel}
		lvl, ok := desired[key]
		if !ok {
			if err := e.cancelLocked(ctx, id); err != nil {
				e.logger.Error("cancel during reconcile failed", "client_id", id, "error", err)
			}
			continue
		}

		expired := !ord.TTLExpiry.IsZero() && now.After(ord.TTLExpiry)
		drifted := !e.withinTolerance(ord, lvl)
		partial := ord.State == quote.StatePartialFilled

		switch {
		case !expired && !drifted && !partial:
			matched[key] = true
		case partial:
			remainder := lvl
			remainder.Size = ord.RemainingSize
			if err := e.cancelLocked(ctx, id); err != nil {
				e.logger.Error("cancel during reconcile failed", "client_id", id, "error", err)
			}
			matched[key] = true
			pending = append(pending, pendingPlacement{key: key, lvl: remainder, priority: quote.PriorityMedium})
		default:
			if err := e.cancelLocked(ctx, id); err != nil {
				e.logger.Error("cancel during reconcile failed", "client_id", id, "error", err)
			}
			matched[key] = true
			pending = append(pending, pendingPlacement{key: key, lvl: lvl, priority: quote.PriorityHigh})
		}
	}

	for key, lvl := range desired {
		if matched[key] {
			continue
		}
		pending = append(pending, pendingPlacement{key: key, lvl: lvl, priority: quote.PriorityLow})
	}

	sort.SliceStable(pending, func(i, j int) bool { return pending[i].priority > pending[j].priority })

	var firstErr error
	for _, pp := range pending {
		if !e.repostAllowedLocked(pp.key, now) {
			continue
		}
		if err := e.placeLocked(ctx, pp.lvl); err != nil {
			e.logger.Error("place during reconcile failed", "side", pp.lvl.Side, "level", pp.lvl.Level, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		e.lastRepost[pp.key] = now
	}

	return firstErr
}

func (e *Engine) repostAllowedLocked(key quote.LevelKey, now time.Time) bool {
	last, ok := e.lastRepost[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= e.repostInterval
}

// retryPendingLocked re-attempts placement for orders that were rejected and
// are still within their retry budget, gated by a retryBackoffBase*retry_count
// backoff.
func (e *Engine) retryPendingLocked(ctx context.Context) {
	now := time.Now()
	for _, ord := range e.orders {
		if ord.State != quote.StatePlacing || ord.ExchangeID != "" || ord.RetryCount == 0 {
			continue
		}
		backoff := e.retryBackoffBase * time.Duration(ord.RetryCount)
		if now.Sub(ord.LastUpdateTime) < backoff {
			continue
		}
		lvl := stoikov.LadderLevel{Side: ord.Side, Level: ord.LadderLevel, Price: ord.Price, Size: ord.RemainingSize}
		if err := e.attemptPlaceLocked(ctx, ord, lvl); err != nil {
			e.logger.Warn("retry place failed", "client_id", ord.ClientID, "retry_count", ord.RetryCount, "error", err)
		}
	}
}

func (e *Engine) withinTolerance(ord *quote.ManagedOrder, lvl stoikov.LadderLevel) bool {
	priceDiff := ord.Price.Sub(lvl.Price).Abs()
	if priceDiff.GreaterThan(e.priceTolerance) {
		return false
	}
	if lvl.Size.IsZero() {
		return ord.RemainingSize.IsZero()
	}
	diff := ord.RemainingSize.Sub(lvl.Size).Abs().Div(lvl.Size)
	tol := decimal.NewFromFloat(sizeToleranceFraction)
	return diff.LessThanOrEqual(tol)
}

func (e *Engine) placeLocked(ctx context.Context, lvl stoikov.LadderLevel) error {
	if !e.sym.MeetsMinNotional(lvl.Price, lvl.Size) {
		return nil // below venue minimum notional, skip quietly
	}

	clientID := uuid.NewString()
	ord := &quote.ManagedOrder{
		ClientID:      clientID,
		Symbol:        e.symbol,
		Side:          lvl.Side,
		Price:         lvl.Price,
		OriginalSize:  lvl.Size,
		RemainingSize: lvl.Size,
		State:         quote.StatePlacing,
		PlacedTime:    time.Now(),
		TTLExpiry:     time.Now().Add(e.ttl),
		LadderLevel:   lvl.Level,
		IsPostOnly:    true,
	}
	e.orders[clientID] = ord

	return e.attemptPlaceLocked(ctx, ord, lvl)
}

// attemptPlaceLocked sends one placement (initial or retry) for ord. A
// rejection increments RetryCount; once it exceeds maxRetries the order is
// moved to the terminal StateError and dropped, otherwise it stays in
// StatePlacing for retryPendingLocked to pick up after its backoff.
func (e *Engine) attemptPlaceLocked(ctx context.Context, ord *quote.ManagedOrder, lvl stoikov.LadderLevel) error {
	e.rate.RecordOrderAttempt()
	ack, err := e.exchange.PlaceOrder(ctx, PlaceOrderRequest{
		ClientID: ord.ClientID,
		Symbol:   e.symbol,
		Side:     lvl.Side,
		Price:    lvl.Price,
		Size:     lvl.Size,
		TIF:      quote.GTX,
	})
	if err != nil {
		ord.RetryCount++
		ord.LastUpdateTime = time.Now()
		e.rate.RecordOrderFailure()
		if ord.RetryCount > e.maxRetries {
			ord.State = quote.StateError
			e.stats.OrdersRejected++
			delete(e.orders, ord.ClientID)
			return fmt.Errorf("place order: exhausted retries: %w", err)
		}
		return fmt.Errorf("place order (retry %d/%d scheduled): %w", ord.RetryCount, e.maxRetries, err)
	}

	ord.ExchangeID = ack.ExchangeID
	ord.State = quote.StateMakerPlaced
	ord.LastUpdateTime = time.Now()
	e.stats.OrdersPlaced++
	e.rate.RecordOrderSuccess()
	return nil
}

func (e *Engine) cancelLocked(ctx context.Context, clientID string) error {
	ord, ok := e.orders[clientID]
	if !ok {
		return nil
	}
	ord.State = quote.StateCancelling
	e.rate.RecordOrderAttempt()

	if ord.ExchangeID != "" {
		if err := e.exchange.CancelOrder(ctx, ord.ExchangeID); err != nil {
			ord.State = quote.StateError
			e.rate.RecordOrderFailure()
			return fmt.Errorf("cancel order: %w", err)
		}
	}

	e.rate.RecordOrderSuccess()
	e.stats.OrdersCancelled++
	delete(e.orders, clientID)
	return nil
}

// OnFill applies an exchange fill notification to the matching managed
// order, transitioning it to PartialFilled or Filled. A partial fill is left
// resting; Reconcile reposts its remainder at PriorityMedium on the next
// pass. Unmatched fills (e.g. from a reference-price hedge leg) are ignored.
func (e *Engine) OnFill(exchangeID string, filledSize decimal.Decimal) (quote.ManagedOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ord := range e.orders {
		if ord.ExchangeID != exchangeID {
			continue
		}
		ord.FilledSize = ord.FilledSize.Add(filledSize)
		ord.RemainingSize = ord.OriginalSize.Sub(ord.FilledSize)
		ord.LastUpdateTime = time.Now()
		e.stats.FillsReceived++
		e.stats.TotalFilledSize = e.stats.TotalFilledSize.Add(filledSize)

		if ord.RemainingSize.LessThanOrEqual(quote.EpsilonPosition) {
			ord.State = quote.StateFilled
			delete(e.orders, ord.ClientID)
		} else {
			ord.State = quote.StatePartialFilled
		}
		return *ord, true
	}
	return quote.ManagedOrder{}, false
}

// Flatten cancels every live order for this symbol, issues a single IOC
// order to offset the given position (spec §4.4), and transitions the
// engine into a cooldown window during which Reconcile is a no-op.
func (e *Engine) Flatten(ctx context.Context, position decimal.Decimal) error {
	e.mu.Lock()
	for id, ord := range e.orders {
		if !isLiveState(ord.State) {
			continue
		}
		ord.State = quote.StateFlattening
		if err := e.cancelLocked(ctx, id); err != nil {
			e.logger.Error("flatten cancel failed", "client_id", id, "error", err)
		}
	}
	e.mu.Unlock()

	if err := e.exchange.CancelAllForSymbol(ctx, e.symbol); err != nil {
		return fmt.Errorf("cancel-all on flatten: %w", err)
	}

	if position.Abs().GreaterThanOrEqual(quote.EpsilonPosition) {
		side := quote.Sell
		if position.IsNegative() {
			side = quote.Buy
		}
		e.rate.RecordOrderAttempt()
		_, err := e.exchange.PlaceOrder(ctx, PlaceOrderRequest{
			ClientID: uuid.NewString(),
			Symbol:   e.symbol,
			Side:     side,
			Size:     position.Abs(),
			TIF:      quote.IOC,
		})
		if err != nil {
			e.rate.RecordOrderFailure()
			return fmt.Errorf("flatten offsetting order: %w", err)
		}
		e.rate.RecordOrderSuccess()
	}

	e.mu.Lock()
	e.cooldownUntil = time.Now().Add(e.cooldownDuration)
	e.mu.Unlock()
	return nil
}

// InCooldown reports whether the engine is still inside its post-flatten
// cooldown window and should not be reconciled.
func (e *Engine) InCooldown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inCooldownLocked()
}

func (e *Engine) inCooldownLocked() bool {
	return time.Now().Before(e.cooldownUntil)
}

// LiveOrders returns a snapshot of every order currently resting or in
// transit (not Idle, Filled, Cancelled, or Error).
func (e *Engine) LiveOrders() []quote.ManagedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]quote.ManagedOrder, 0, len(e.orders))
	for _, ord := range e.orders {
		if !isLiveState(ord.State) {
			continue
		}
		out = append(out, *ord)
	}
	return out
}

// Stats returns a copy of the running execution statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func isLiveState(s quote.OrderState) bool {
	switch s {
	case quote.StatePlacing, quote.StateMakerPlaced, quote.StatePartialFilled, quote.StateReplacing:
		return true
	default:
		return false
	}
}

// EstimateQueueAheadNotional walks the resting book on one side and sums
// the notional resting ahead of our order's price, used by the patient
// detector's queue-ahead trigger.
func EstimateQueueAheadNotional(levels []quote.PriceLevel, ourPrice decimal.Decimal, side quote.Side) decimal.Decimal {
	ahead := decimal.Zero
	for _, lvl := range levels {
		better := false
		if side == quote.Buy {
			better = lvl.Price.GreaterThan(ourPrice)
		} else {
			better = lvl.Price.LessThan(ourPrice)
		}
		if !better {
			if lvl.Price.Equal(ourPrice) {
				ahead = ahead.Add(lvl.Price.Mul(lvl.Size))
			}
			break
		}
		ahead = ahead.Add(lvl.Price.Mul(lvl.Size))
	}
	return ahead
}
