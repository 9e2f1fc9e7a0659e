package stoikov

import (
	"math"
	"sync"
	"time"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// Fill is one execution against our own resting orders, as reported by the
// execution engine.
type Fill struct {
	Side      quote.Side
	Timestamp time.Time
}

// ToxicityMetrics contains calculated adverse-selection indicators.
type ToxicityMetrics struct {
	DirectionalImbalance float64 // [0, 1]: fraction of fills in the dominant direction
	FillVelocity         float64 // fills per minute
	ToxicityScore        float64 // [0, 1]: composite toxicity score
	IsToxic              bool    // true if likely getting adversely selected
}

// FlowTracker tracks recent own-fills in a rolling time window to detect
// toxic flow: fills consistently on one side suggest informed traders are
// picking off stale quotes right before the price moves. The Stoikov engine
// widens its quoted spread while flow is toxic.
type FlowTracker struct {
	mu sync.RWMutex

	windowDuration time.Duration
	fills          []Fill

	toxicityThreshold float64
	cooldownPeriod    time.Duration
	maxSpreadMultiple float64

	lastToxicTime time.Time
}

// NewFlowTracker creates a flow tracker with the given configuration.
func NewFlowTracker(windowDuration time.Duration, toxicityThreshold float64, cooldownPeriod time.Duration, maxSpreadMultiple float64) *FlowTracker {
	return &FlowTracker{
		windowDuration:    windowDuration,
		fills:             make([]Fill, 0, 64),
		toxicityThreshold: toxicityThreshold,
		cooldownPeriod:    cooldownPeriod,
		maxSpreadMultiple: maxSpreadMultiple,
	}
}

// AddFill registers a new own-fill and evicts entries outside the window.
func (ft *FlowTracker) AddFill(fill Fill) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fills = append(ft.fills, fill)
	ft.evictStaleLocked()
}

func (ft *FlowTracker) evictStaleLocked() {
	if len(ft.fills) == 0 {
		return
	}
	cutoff := time.Now().Add(-ft.windowDuration)
	validIdx := -1
	for i, fill := range ft.fills {
		if fill.Timestamp.After(cutoff) {
			validIdx = i
			break
		}
	}
	if validIdx == -1 {
		ft.fills = ft.fills[:0]
		return
	}
	if validIdx > 0 {
		ft.fills = ft.fills[validIdx:]
	}
}

// CalculateToxicity computes adverse-selection metrics from recent fills.
func (ft *FlowTracker) CalculateToxicity() ToxicityMetrics {
	ft.mu.Lock()
	ft.evictStaleLocked()
	ft.mu.Unlock()

	ft.mu.RLock()
	defer ft.mu.RUnlock()

	if len(ft.fills) == 0 {
		return ToxicityMetrics{}
	}

	var buyCount, sellCount int
	for _, fill := range ft.fills {
		if fill.Side == quote.Buy {
			buyCount++
		} else {
			sellCount++
		}
	}
	totalFills := len(ft.fills)
	dominant := math.Max(float64(buyCount), float64(sellCount))
	directionalImbalance := dominant / float64(totalFills)

	if len(ft.fills) < 2 {
		return ToxicityMetrics{
			DirectionalImbalance: directionalImbalance,
			ToxicityScore:        directionalImbalance * 0.6,
			IsToxic:              directionalImbalance > ft.toxicityThreshold,
		}
	}

	windowMinutes := ft.windowDuration.Minutes()
	fillVelocity := float64(totalFills) / windowMinutes
	velocityFactor := math.Min(fillVelocity/3.0, 1.0)

	toxicityScore := 0.6*directionalImbalance + 0.4*velocityFactor

	return ToxicityMetrics{
		DirectionalImbalance: directionalImbalance,
		FillVelocity:         fillVelocity,
		ToxicityScore:        toxicityScore,
		IsToxic:              toxicityScore > ft.toxicityThreshold,
	}
}

// SpreadMultiplier returns the multiplier the Stoikov engine should apply to
// its half-spread given current flow toxicity: 1.0 under normal conditions,
// ramping up to maxSpreadMultiple while toxic, decaying back to 1.0 over the
// cooldown period once toxicity clears.
func (ft *FlowTracker) SpreadMultiplier() float64 {
	metrics := ft.CalculateToxicity()

	if metrics.IsToxic {
		ft.mu.Lock()
		ft.lastToxicTime = time.Now()
		ft.mu.Unlock()
	}

	ft.mu.RLock()
	inCooldown := time.Since(ft.lastToxicTime) < ft.cooldownPeriod
	ft.mu.RUnlock()

	if !metrics.IsToxic && !inCooldown {
		return 1.0
	}

	if metrics.ToxicityScore < ft.toxicityThreshold {
		timeSinceToxic := time.Since(ft.lastToxicTime).Seconds()
		cooldownSeconds := ft.cooldownPeriod.Seconds()
		cooldownProgress := math.Min(timeSinceToxic/cooldownSeconds, 1.0)
		return 1.0 + (ft.maxSpreadMultiple-1.0)*(1.0-cooldownProgress)
	}

	normalizedScore := (metrics.ToxicityScore - ft.toxicityThreshold) / (1.0 - ft.toxicityThreshold)
	return 1.0 + (ft.maxSpreadMultiple-1.0)*math.Min(normalizedScore*2.0, 1.0)
}

// IsToxic returns true if current flow is showing adverse selection.
func (ft *FlowTracker) IsToxic() bool {
	return ft.CalculateToxicity().IsToxic
}
