package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

func testRiskLimits() quote.RiskLimits {
	return quote.RiskLimits{
		MaxInventoryPct:      20,
		DriftCutBps:          100,
		SessionDDLimitPct:    5,
		DailyDDLimitPct:      10,
		MaxConsecutiveFails:  5,
		MaxOrdersPerSecond:   10,
		MaxSpreadMultiplier:  5,
		VolSpikeThresholdPct: 1.5,
		VolSpikeCooldownMs:   60000,
		WarningFractionPct:   80,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(testRiskLimits(), logger, 10000)
}

func TestEvaluateUnderLimits(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	metrics, events := rm.Evaluate(InventoryReport{
		NavPct:    5,
		NAV:       10000,
		Timestamp: time.Now(),
	})

	if len(events) != 0 {
		t.Errorf("expected no events under limits, got %+v", events)
	}
	if !metrics.CanTrade {
		t.Error("expected CanTrade true under limits")
	}
	if metrics.RiskLevel != quote.RiskLow {
		t.Errorf("RiskLevel = %v, want low", metrics.RiskLevel)
	}
}

func TestEvaluateInventoryBreachFlattens(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	metrics, events := rm.Evaluate(InventoryReport{
		NavPct:    25, // exceeds 20 limit
		NAV:       10000,
		Timestamp: time.Now(),
	})

	found := false
	for _, ev := range events {
		if ev.Kind == quote.EventInventoryLimit && ev.Action == quote.ActionFlatten {
			found = true
		}
	}
	if !found {
		t.Errorf("expected inventory flatten event, got %+v", events)
	}
	if metrics.CanTrade {
		t.Error("expected CanTrade false after flatten-triggering breach")
	}
}

func TestEvaluateSessionDrawdownUsesHighWaterMark(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	// NAV climbs to a new high-water mark.
	rm.Evaluate(InventoryReport{NAV: 11000, Timestamp: time.Now()})

	// Then drops >5% from that high-water mark (not from the original 10000).
	_, events := rm.Evaluate(InventoryReport{NAV: 10400, Timestamp: time.Now()})

	found := false
	for _, ev := range events {
		if ev.Kind == quote.EventSessionDD {
			found = true
		}
	}
	if !found {
		t.Errorf("expected session drawdown event measured against HWM of 11000, got %+v", events)
	}
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	for i := 0; i < 3; i++ {
		rm.RecordOrderFailure()
	}
	rm.RecordOrderSuccess()

	metrics := rm.Snapshot()
	if metrics.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0 after success", metrics.ConsecutiveFailures)
	}
}

func TestEmergencyStopLatchesUntilCleared(t *testing.T) {
	t.Parallel()
	rm := newTestManager()

	rm.TriggerEmergencyStop("manual test stop")
	metrics, _ := rm.Evaluate(InventoryReport{NavPct: 1, NAV: 10000, Timestamp: time.Now()})
	if metrics.CanTrade {
		t.Error("expected CanTrade false while emergency stopped")
	}

	rm.ClearEmergencyStop()
	metrics, _ = rm.Evaluate(InventoryReport{NavPct: 1, NAV: 10000, Timestamp: time.Now()})
	if !metrics.CanTrade {
		t.Error("expected CanTrade true after clearing emergency stop")
	}
}

func TestOverallRiskScoreIncreasesWithInventory(t *testing.T) {
	t.Parallel()
	rmLow := newTestManager()
	rmHigh := newTestManager()

	lowMetrics, _ := rmLow.Evaluate(InventoryReport{NavPct: 2, NAV: 10000, Timestamp: time.Now()})
	highMetrics, _ := rmHigh.Evaluate(InventoryReport{NavPct: 18, NAV: 10000, Timestamp: time.Now()})

	if !(highMetrics.OverallRiskScore > lowMetrics.OverallRiskScore) {
		t.Errorf("expected higher inventory to raise risk score: low=%v high=%v", lowMetrics.OverallRiskScore, highMetrics.OverallRiskScore)
	}
	if !(highMetrics.SizeMultiplier < lowMetrics.SizeMultiplier) {
		t.Errorf("expected higher risk to shrink size multiplier: low=%v high=%v", lowMetrics.SizeMultiplier, highMetrics.SizeMultiplier)
	}
}
