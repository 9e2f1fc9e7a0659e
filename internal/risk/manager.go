// Package risk implements the Risk Manager: a multi-layered limit table
// (inventory, drift, session/daily drawdown, consecutive failures, order
// rate, volatility spikes) that produces a weighted overall risk score and
// gates trading through size/spread multipliers and a kill switch.
//
// The controller's task loop calls Evaluate synchronously every quote cycle
// with an InventoryReport, which is checked against the configured limits.
// Evaluate returns the resulting RiskMetrics together with any RiskEvents
// raised, each carrying an action (warn, reduceSize, pause, flatten, stop);
// the same events are also pushed onto the buffered EventCh(). The
// controller acts on the returned events, flattening inventory or pausing
// quoting. After a flatten or stop action the kill switch stays active for
// a cooldown, during which CanTrade is false.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"context"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// InventoryReport is sent by the controller's task loop every quote cycle.
type InventoryReport struct {
	Symbol         string
	NavPct         float64 // |exposure| / NAV * 100
	DriftBps       float64 // signed bps deviation of mid from entry price
	RealizedPnL    float64
	UnrealizedPnL  float64
	NAV            float64 // current total account equity
	CurrentVolAnn  float64 // current annualized volatility estimate
	BaselineVolAnn float64 // trailing baseline annualized volatility
	Timestamp      time.Time
}

// rateWindow is the sliding window used to estimate orders/second.
const rateWindow = time.Second

// defaultCooldown is how long the kill switch stays engaged after a
// flatten/stop action, absent a more specific cooldown source.
const defaultCooldown = 5 * time.Minute

// Manager enforces the full risk-limit table across one bot instance.
type Manager struct {
	cfg    quote.RiskLimits
	logger *slog.Logger

	mu sync.RWMutex

	latest        InventoryReport
	sessionHWM    float64 // high-water mark NAV since session start
	dailyStart    float64 // NAV at the start of the current UTC day
	dailyStartDay int     // day-of-year dailyStart was captured on

	consecutiveFailures int
	orderTimestamps     []time.Time

	killSwitchActive bool
	killSwitchUntil  time.Time
	emergencyStopped bool
	newsStopUntil    time.Time
	volSpikeUntil    time.Time

	eventCh chan quote.RiskEvent
}

// NewManager creates a risk manager. startingNAV seeds the high-water mark
// and session/daily baselines.
func NewManager(cfg quote.RiskLimits, logger *slog.Logger, startingNAV float64) *Manager {
	return &Manager{
		cfg:           cfg,
		logger:        logger.With("component", "risk"),
		sessionHWM:    startingNAV,
		dailyStart:    startingNAV,
		dailyStartDay: time.Now().UTC().YearDay(),
		eventCh:       make(chan quote.RiskEvent, 32),
	}
}

// Run starts the periodic cooldown/daily-reset maintenance loop. Reports
// themselves are processed synchronously via Evaluate, called directly from
// the controller's task loop rather than over a channel, since the risk
// decision must be available before the same tick decides whether to quote.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.maintenance()
		}
	}
}

// EventCh returns the channel the controller reads risk events from.
func (rm *Manager) EventCh() <-chan quote.RiskEvent {
	return rm.eventCh
}

// RecordOrderAttempt registers one order placement/replace attempt for rate limiting.
func (rm *Manager) RecordOrderAttempt() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	now := time.Now()
	rm.orderTimestamps = append(rm.orderTimestamps, now)
	cutoff := now.Add(-rateWindow)
	i := 0
	for ; i < len(rm.orderTimestamps); i++ {
		if rm.orderTimestamps[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		rm.orderTimestamps = rm.orderTimestamps[i:]
	}
}

// RecordOrderFailure increments the consecutive-failure counter.
func (rm *Manager) RecordOrderFailure() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.consecutiveFailures++
}

// RecordOrderSuccess resets the consecutive-failure counter.
func (rm *Manager) RecordOrderSuccess() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.consecutiveFailures = 0
}

// TriggerNewsStop pauses trading for the given duration, used when an
// external news/halt signal arrives out of band.
func (rm *Manager) TriggerNewsStop(d time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.newsStopUntil = time.Now().Add(d)
	rm.emit(quote.RiskEvent{Kind: quote.EventNewsStop, Action: quote.ActionPause, Timestamp: time.Now(), Detail: "external news stop engaged"})
}

// TriggerEmergencyStop latches the manager into a stopped state that only
// manual intervention (ClearEmergencyStop) can clear.
func (rm *Manager) TriggerEmergencyStop(reason string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.emergencyStopped = true
	rm.logger.Error("emergency stop engaged", "reason", reason)
	rm.emit(quote.RiskEvent{Kind: quote.EventEmergencyStop, Action: quote.ActionStop, Timestamp: time.Now(), Detail: reason})
}

// ClearEmergencyStop manually releases the emergency stop latch.
func (rm *Manager) ClearEmergencyStop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.emergencyStopped = false
	rm.logger.Info("emergency stop cleared")
}

// Evaluate checks a new inventory report against every limit, updates the
// high-water mark and kill-switch state, and returns the aggregated
// RiskMetrics snapshot plus any events raised this pass.
func (rm *Manager) Evaluate(report InventoryReport) (quote.RiskMetrics, []quote.RiskEvent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.latest = report
	rm.resetDailyIfNeeded(report.Timestamp)

	if report.NAV > rm.sessionHWM {
		rm.sessionHWM = report.NAV
	}

	var events []quote.RiskEvent

	if ev, ok := rm.checkThreshold(quote.EventInventoryLimit, report.NavPct, rm.cfg.MaxInventoryPct, quote.ActionFlatten); ok {
		events = append(events, ev)
	}
	if ev, ok := rm.checkThreshold(quote.EventDriftLimit, absF(report.DriftBps), rm.cfg.DriftCutBps, quote.ActionReduce); ok {
		events = append(events, ev)
	}

	sessionDD := drawdownPct(rm.sessionHWM, report.NAV)
	if ev, ok := rm.checkThreshold(quote.EventSessionDD, sessionDD, rm.cfg.SessionDDLimitPct, quote.ActionFlatten); ok {
		events = append(events, ev)
	}

	dailyDD := drawdownPct(rm.dailyStart, report.NAV)
	if ev, ok := rm.checkThreshold(quote.EventDailyDD, dailyDD, rm.cfg.DailyDDLimitPct, quote.ActionStop); ok {
		events = append(events, ev)
	}

	if ev, ok := rm.checkThreshold(quote.EventConsecutiveFailures, float64(rm.consecutiveFailures), float64(rm.cfg.MaxConsecutiveFails), quote.ActionPause); ok {
		events = append(events, ev)
	}

	ordersPerSec := float64(len(rm.orderTimestamps))
	if ev, ok := rm.checkThreshold(quote.EventRateLimit, ordersPerSec, rm.cfg.MaxOrdersPerSecond, quote.ActionPause); ok {
		events = append(events, ev)
	}

	volSpikeRatio := 0.0
	if report.BaselineVolAnn > 0 {
		volSpikeRatio = report.CurrentVolAnn / report.BaselineVolAnn
	}
	if rm.cfg.VolSpikeThresholdPct > 0 && volSpikeRatio > rm.cfg.VolSpikeThresholdPct {
		rm.volSpikeUntil = time.Now().Add(time.Duration(rm.cfg.VolSpikeCooldownMs) * time.Millisecond)
		events = append(events, rm.makeEvent(quote.EventVolSpike, quote.ActionReduce, false, volSpikeRatio, rm.cfg.VolSpikeThresholdPct, "volatility spike detected"))
	}

	for _, ev := range events {
		if ev.Action == quote.ActionFlatten || ev.Action == quote.ActionStop {
			rm.killSwitchActive = true
			rm.killSwitchUntil = time.Now().Add(defaultCooldown)
		}
		rm.emit(ev)
	}

	metrics := rm.snapshotLocked(sessionDD, dailyDD, volSpikeRatio)
	return metrics, events
}

// checkThreshold evaluates one scalar limit, emitting a warning event at
// WarningFractionPct of the limit and a breach event (with the given
// action) once the limit itself is exceeded.
func (rm *Manager) checkThreshold(kind quote.RiskEventKind, value, limit float64, breachAction quote.RiskAction) (quote.RiskEvent, bool) {
	if limit <= 0 {
		return quote.RiskEvent{}, false
	}
	if value > limit {
		return rm.makeEvent(kind, breachAction, false, value, limit, "limit breached"), true
	}
	warnThreshold := limit * rm.cfg.WarningFractionPct / 100
	if value > warnThreshold {
		return rm.makeEvent(kind, quote.ActionWarn, true, value, limit, "approaching limit"), true
	}
	return quote.RiskEvent{}, false
}

func (rm *Manager) makeEvent(kind quote.RiskEventKind, action quote.RiskAction, warning bool, value, limit float64, detail string) quote.RiskEvent {
	return quote.RiskEvent{
		Kind:      kind,
		Action:    action,
		IsWarning: warning,
		Value:     value,
		Limit:     limit,
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

// emit delivers an event non-blocking, dropping the oldest queued event in
// favor of the freshest one if the channel is saturated.
func (rm *Manager) emit(ev quote.RiskEvent) {
	select {
	case rm.eventCh <- ev:
	default:
		select {
		case <-rm.eventCh:
		default:
		}
		rm.eventCh <- ev
	}
}

func (rm *Manager) resetDailyIfNeeded(now time.Time) {
	day := now.UTC().YearDay()
	if day != rm.dailyStartDay {
		rm.dailyStart = rm.latest.NAV
		rm.dailyStartDay = day
	}
}

func (rm *Manager) maintenance() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.killSwitchActive && time.Now().After(rm.killSwitchUntil) {
		rm.killSwitchActive = false
		rm.logger.Info("kill switch cooldown expired")
	}
	rm.resetDailyIfNeeded(time.Now())
}

// Snapshot returns the current RiskMetrics without evaluating a new report.
func (rm *Manager) Snapshot() quote.RiskMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	sessionDD := drawdownPct(rm.sessionHWM, rm.latest.NAV)
	dailyDD := drawdownPct(rm.dailyStart, rm.latest.NAV)
	volSpikeRatio := 0.0
	if rm.latest.BaselineVolAnn > 0 {
		volSpikeRatio = rm.latest.CurrentVolAnn / rm.latest.BaselineVolAnn
	}
	return rm.snapshotLocked(sessionDD, dailyDD, volSpikeRatio)
}

func (rm *Manager) snapshotLocked(sessionDD, dailyDD, volSpikeRatio float64) quote.RiskMetrics {
	score := overallRiskScore(rm.cfg, rm.latest, sessionDD, dailyDD, rm.consecutiveFailures, volSpikeRatio)
	level := scoreToLevel(score)

	inCooldown := (rm.killSwitchActive && time.Now().Before(rm.killSwitchUntil)) || time.Now().Before(rm.newsStopUntil) || time.Now().Before(rm.volSpikeUntil)
	canTrade := !rm.emergencyStopped && !inCooldown

	sizeMult, spreadMult := multipliersForScore(score)

	return quote.RiskMetrics{
		InventoryPct:        rm.latest.NavPct,
		DriftBps:            rm.latest.DriftBps,
		SessionDDPct:        sessionDD,
		DailyDDPct:          dailyDD,
		ConsecutiveFailures: rm.consecutiveFailures,
		OrdersPerSecond:     float64(len(rm.orderTimestamps)),
		VolSpikeRatio:       volSpikeRatio,
		OverallRiskScore:    score,
		RiskLevel:           level,
		IsFlat:              rm.latest.NavPct < 0.01,
		InCooldown:          inCooldown,
		EmergencyStopped:    rm.emergencyStopped,
		SizeMultiplier:      sizeMult,
		SpreadMultiplier:    spreadMult,
		CanTrade:            canTrade,
	}
}

// overallRiskScore is a weighted composite in [0, 1] across the six
// headline risk dimensions, each normalized to its own limit.
func overallRiskScore(cfg quote.RiskLimits, r InventoryReport, sessionDD, dailyDD float64, failures int, volSpikeRatio float64) float64 {
	norm := func(value, limit float64) float64 {
		if limit <= 0 {
			return 0
		}
		n := value / limit
		if n > 1 {
			n = 1
		}
		if n < 0 {
			n = 0
		}
		return n
	}

	inventoryN := norm(r.NavPct, cfg.MaxInventoryPct)
	driftN := norm(absF(r.DriftBps), cfg.DriftCutBps)
	sessionDDN := norm(sessionDD, cfg.SessionDDLimitPct)
	dailyDDN := norm(dailyDD, cfg.DailyDDLimitPct)
	failuresN := norm(float64(failures), float64(cfg.MaxConsecutiveFails))
	volN := 0.0
	if cfg.VolSpikeThresholdPct > 0 {
		volN = norm(volSpikeRatio, cfg.VolSpikeThresholdPct)
	}

	return 0.25*inventoryN + 0.15*driftN + 0.2*sessionDDN + 0.2*dailyDDN + 0.1*failuresN + 0.1*volN
}

func scoreToLevel(score float64) quote.RiskLevel {
	switch {
	case score >= 0.85:
		return quote.RiskCritical
	case score >= 0.6:
		return quote.RiskHigh
	case score >= 0.3:
		return quote.RiskMedium
	default:
		return quote.RiskLow
	}
}

// multipliersForScore maps the overall risk score to the size and spread
// multipliers the controller applies to the quote ladder: size shrinks
// and spread widens as risk rises.
func multipliersForScore(score float64) (size, spread float64) {
	size = 1.0 - 0.8*score
	if size < 0.1 {
		size = 0.1
	}
	spread = 1.0 + 2.0*score
	return size, spread
}

func drawdownPct(peak, current float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - current) / peak * 100
	if dd < 0 {
		return 0
	}
	return dd
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
