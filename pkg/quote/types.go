// Package quote defines the shared data model for the market-making engine —
// order book levels, trades, derived market state, inventory, Stoikov quotes,
// managed orders, and risk metrics. It has no dependency on any other
// internal package, so it can be imported by every layer.
package quote

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order or trade: buy or sell.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// TimeInForce enumerates the order lifecycles the Exchange capability accepts.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // good-til-cancelled
	IOC TimeInForce = "IOC" // immediate-or-cancel
	FOK TimeInForce = "FOK" // fill-or-kill
	GTX TimeInForce = "GTX" // post-only, rejected if it would take liquidity
)

// OrderKind enumerates order types the venue accepts.
type OrderKind string

const (
	KindLimit  OrderKind = "limit"
	KindMarket OrderKind = "market"
	KindStop   OrderKind = "stop"
)

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata
// ————————————————————————————————————————————————————————————————————————

// Symbol describes venue-enforced rounding constraints for one instrument.
// Populated on first use and treated as read-only thereafter (spec: the
// symbol-filter cache is in-memory only, never persisted).
type Symbol struct {
	Name        string
	TickSize    decimal.Decimal
	LotStep     decimal.Decimal
	MinNotional decimal.Decimal // zero means unconstrained
}

// RoundBidPrice rounds a price down to the nearest tick (maker-favorable for a bid).
func (s Symbol) RoundBidPrice(p decimal.Decimal) decimal.Decimal {
	return roundToStepFloor(p, s.TickSize)
}

// RoundAskPrice rounds a price up to the nearest tick (maker-favorable for an ask).
func (s Symbol) RoundAskPrice(p decimal.Decimal) decimal.Decimal {
	return roundToStepCeil(p, s.TickSize)
}

// RoundSize rounds a size down to the nearest lot step.
func (s Symbol) RoundSize(sz decimal.Decimal) decimal.Decimal {
	return roundToStepFloor(sz, s.LotStep)
}

// MeetsMinNotional reports whether price*size clears the venue's minimum order value.
func (s Symbol) MeetsMinNotional(price, size decimal.Decimal) bool {
	if s.MinNotional.IsZero() {
		return true
	}
	return price.Mul(size).GreaterThanOrEqual(s.MinNotional)
}

func roundToStepFloor(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func roundToStepCeil(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single resting level on one side of the book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// L2Book is a validated point-in-time order book snapshot. Bids are kept
// descending by price, asks ascending, per spec §3.
type L2Book struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  int64
	Timestamp time.Time
}

// TopBid returns the best bid level, or the zero level if the book is empty.
func (b L2Book) TopBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// TopAsk returns the best ask level, or the zero level if the book is empty.
func (b L2Book) TopAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// Trade is a single execution print from the venue's trade tape.
type Trade struct {
	Symbol    string
	Price     decimal.Decimal
	Size      decimal.Decimal
	Side      Side
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Derived market state (published by the market-data processor)
// ————————————————————————————————————————————————————————————————————————

// MarketState is the set of microstructure features the market-data
// processor derives from a validated L2Book. Volatility and Intensity are
// left zero by the processor and filled in by the Stoikov engine.
type MarketState struct {
	Symbol        string
	Mid           decimal.Decimal
	Microprice    decimal.Decimal
	Spread        decimal.Decimal
	SpreadBps     decimal.Decimal
	OBI           float64 // order-book imbalance in [-1, 1]
	TopBidDepth   decimal.Decimal
	TopAskDepth   decimal.Decimal
	WeightedMid   decimal.Decimal
	Volatility    float64 // annualized, filled in by the Stoikov engine
	Intensity     float64 // trades/sec, filled in by the Stoikov engine
	Timestamp     time.Time
	SequenceGap   bool
}

// ImpactPrice walks the book from the top and returns the notional-weighted
// average fill price for a notional of size q, per spec §4.1 step 3. Returns
// (zero, false) if the book side cannot absorb q.
func ImpactPrice(levels []PriceLevel, notional decimal.Decimal) (decimal.Decimal, bool) {
	remaining := notional
	filledNotional := decimal.Zero
	filledUnits := decimal.Zero

	for _, lvl := range levels {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		levelNotional := lvl.Price.Mul(lvl.Size)
		if remaining.LessThanOrEqual(levelNotional) {
			units := remaining.Div(lvl.Price)
			filledUnits = filledUnits.Add(units)
			filledNotional = filledNotional.Add(remaining)
			remaining = decimal.Zero
			break
		}
		filledUnits = filledUnits.Add(lvl.Size)
		filledNotional = filledNotional.Add(levelNotional)
		remaining = remaining.Sub(levelNotional)
	}

	if remaining.GreaterThan(decimal.Zero) || filledUnits.IsZero() {
		return decimal.Zero, false
	}
	return filledNotional.Div(filledUnits), true
}

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// EpsilonPosition is the base-unit threshold below which a position is
// considered flat (spec §3).
var EpsilonPosition = decimal.New(1, -3) // 1e-3

// InventoryState is the controller's read-only projection of current
// position, refreshed from venue truth after every fill.
type InventoryState struct {
	Symbol        string
	Position      decimal.Decimal // signed base units
	NavPct        decimal.Decimal // |exposure| / NAV * 100
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	DriftBps      decimal.Decimal // signed bps deviation of mid from EntryPrice
	Timestamp     time.Time
}

// IsFlat reports whether the position is within EpsilonPosition of zero.
func (s InventoryState) IsFlat() bool {
	return s.Position.Abs().LessThan(EpsilonPosition)
}

// ————————————————————————————————————————————————————————————————————————
// Stoikov quotes
// ————————————————————————————————————————————————————————————————————————

// StoikovQuotes is the output of one quote-derivation pass of the Stoikov
// engine: a reservation price, half-spread, and per-side ladder prices/sizes.
type StoikovQuotes struct {
	Symbol            string
	Reservation       decimal.Decimal
	HalfSpread        decimal.Decimal
	BidPrice          decimal.Decimal
	AskPrice          decimal.Decimal
	BidSize           decimal.Decimal
	AskSize           decimal.Decimal
	SkewFactor        decimal.Decimal
	RegimeMultiplier  float64
	Timestamp         time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Managed orders and the execution state machine
// ————————————————————————————————————————————————————————————————————————

// OrderState is the execution-engine state machine's per-order state (spec §4.4).
type OrderState string

const (
	StateIdle          OrderState = "Idle"
	StatePlacing       OrderState = "Placing"
	StateMakerPlaced   OrderState = "MakerPlaced"
	StatePartialFilled OrderState = "PartialFilled"
	StateFilled        OrderState = "Filled"
	StateCancelling    OrderState = "Cancelling"
	StateReplacing     OrderState = "Replacing"
	StateFlattening    OrderState = "Flattening"
	StateCooldown      OrderState = "Cooldown"
	StateError         OrderState = "Error"
)

// PatientOrderState is the engine-level state machine the patient variant
// layers over the same execution model (spec §3).
type PatientOrderState string

const (
	PatientIdle                PatientOrderState = "Idle"
	PatientQuotePlacing         PatientOrderState = "QuotePlacing"
	PatientWaitingInQueue       PatientOrderState = "WaitingInQueue"
	PatientPartialFilled        PatientOrderState = "PartialFilled"
	PatientTopNExit             PatientOrderState = "TopNExit"
	PatientDriftTriggered       PatientOrderState = "DriftTriggered"
	PatientQueueAheadTriggered  PatientOrderState = "QueueAheadTriggered"
	PatientReplacingLevel       PatientOrderState = "ReplacingLevel"
	PatientRiskBreach           PatientOrderState = "RiskBreach"
	PatientFlattening           PatientOrderState = "Flattening"
	PatientCooldown             PatientOrderState = "Cooldown"
	PatientError                PatientOrderState = "Error"
)

// ManagedOrder is one order in the execution engine's ladder.
type ManagedOrder struct {
	ClientID       string // locally unique
	ExchangeID     string // assigned on ack
	Symbol         string
	Side           Side
	Price          decimal.Decimal
	OriginalSize   decimal.Decimal
	FilledSize     decimal.Decimal
	RemainingSize  decimal.Decimal
	State          OrderState
	PlacedTime     time.Time
	LastUpdateTime time.Time
	TTLExpiry      time.Time
	RetryCount     int
	LadderLevel    int
	IsPostOnly     bool
}

// LevelKey identifies one ladder level by side and index, used as the
// QuoteSnapshot map key.
type LevelKey struct {
	Side  Side
	Level int
}

// QuotedLevel is one entry in a QuoteSnapshot.
type QuotedLevel struct {
	Price             decimal.Decimal
	Size              decimal.Decimal
	TTLExpiry         time.Time
	ImprovementCount  int
	LastImprovement   time.Time
}

// QuoteSnapshot is the set of levels the patient detector watches against
// the live book, keyed by (side, level index), plus the reference mid
// captured when the quotes were placed and the session-wide expiry.
type QuoteSnapshot struct {
	Symbol        string
	Levels        map[LevelKey]QuotedLevel
	MidAtPost     decimal.Decimal
	CreatedAt     time.Time
	SessionExpiry time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskLevel buckets the overall risk score into an operator-facing tier.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLimits is the configuration record enumerated in spec §6.
type RiskLimits struct {
	MaxInventoryPct      float64
	DriftCutBps          float64
	SessionDDLimitPct    float64
	DailyDDLimitPct      float64
	MaxConsecutiveFails  int
	MaxOrdersPerSecond   float64
	MaxSpreadMultiplier  float64
	VolSpikeThresholdPct float64 // e.g. 1.5 == 150%
	VolSpikeCooldownMs   int64
	WarningFractionPct   float64 // e.g. 80 == warn at 80% of the limit
}

// RiskMetrics is the Risk Manager's aggregated, read-only snapshot (spec §3).
type RiskMetrics struct {
	InventoryPct        float64
	DriftBps            float64
	SessionDDPct        float64
	DailyDDPct          float64
	ConsecutiveFailures int
	OrdersPerSecond     float64
	VolSpikeRatio       float64
	OverallRiskScore    float64
	RiskLevel           RiskLevel
	IsFlat              bool
	InCooldown          bool
	EmergencyStopped    bool
	SizeMultiplier      float64
	SpreadMultiplier    float64
	CanTrade            bool
}

// RiskEventKind enumerates the named risk events of spec §4.3.
type RiskEventKind string

const (
	EventInventoryLimit      RiskEventKind = "inventoryLimit"
	EventDriftLimit          RiskEventKind = "driftLimit"
	EventSessionDD           RiskEventKind = "sessionDD"
	EventDailyDD             RiskEventKind = "dailyDD"
	EventConsecutiveFailures RiskEventKind = "consecutiveFailures"
	EventVolSpike            RiskEventKind = "volSpike"
	EventRateLimit           RiskEventKind = "rateLimit"
	EventEmergencyStop       RiskEventKind = "emergencyStop"
	EventNewsStop            RiskEventKind = "newsStop"
)

// RiskAction is the prescribed response to a breached or warned risk event.
type RiskAction string

const (
	ActionNone      RiskAction = "none"
	ActionWarn      RiskAction = "warn"
	ActionFlatten   RiskAction = "flatten"
	ActionStop      RiskAction = "stop"
	ActionReduce    RiskAction = "reduceSize"
	ActionPause     RiskAction = "pause"
)

// RiskEvent is a single limit/warning evaluation result.
type RiskEvent struct {
	Kind      RiskEventKind
	Action    RiskAction
	IsWarning bool
	Value     float64
	Limit     float64
	Timestamp time.Time
	Detail    string
}

// ————————————————————————————————————————————————————————————————————————
// Patient detector events
// ————————————————————————————————————————————————————————————————————————

// Priority orders patient-detector events for draining (spec §4.5).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// PatientEventKind enumerates the trigger types the patient detector raises.
type PatientEventKind string

const (
	PatientEventTopNExit    PatientEventKind = "topNExit"
	PatientEventQueueAhead  PatientEventKind = "queueAhead"
	PatientEventDrift       PatientEventKind = "drift"
	PatientEventLevelTTL    PatientEventKind = "levelTtl"
	PatientEventSessionTTL  PatientEventKind = "sessionTtl"
)

// PatientEvent is one trigger raised by the patient event detector.
type PatientEvent struct {
	Kind      PatientEventKind
	Symbol    string
	Side      Side
	Level     int
	Priority  Priority
	RaisedAt  time.Time
	Detail    string
}
