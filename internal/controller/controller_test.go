package controller

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/internal/stoikov"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

func TestRiskLimitsFromConfigCopiesFields(t *testing.T) {
	t.Parallel()
	cfg := config.RiskConfig{
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

	limits := riskLimitsFromConfig(cfg)
	if limits.MaxInventoryPct != cfg.MaxInventoryPct {
		t.Errorf("MaxInventoryPct = %v, want %v", limits.MaxInventoryPct, cfg.MaxInventoryPct)
	}
	if limits.WarningFractionPct != cfg.WarningFractionPct {
		t.Errorf("WarningFractionPct = %v, want %v", limits.WarningFractionPct, cfg.WarningFractionPct)
	}
}

func TestSnapshotFromLadderBuildsLevelsKeyedBySideAndLevel(t *testing.T) {
	t.Parallel()
	ladder := []stoikov.LadderLevel{
		{Side: quote.Buy, Level: 0, Price: decimal.NewFromFloat(49990), Size: decimal.NewFromFloat(0.1)},
		{Side: quote.Sell, Level: 0, Price: decimal.NewFromFloat(50010), Size: decimal.NewFromFloat(0.1)},
	}
	now := time.Now()
	cfg := config.PatientConfig{LevelTTL: time.Minute, SessionTTL: 5 * time.Minute}

	snap := snapshotFromLadder("BTC-PERP", ladder, decimal.NewFromFloat(50000), now, cfg)

	if len(snap.Levels) != 2 {
		t.Fatalf("len(Levels) = %d, want 2", len(snap.Levels))
	}
	bidKey := quote.LevelKey{Side: quote.Buy, Level: 0}
	lvl, ok := snap.Levels[bidKey]
	if !ok {
		t.Fatal("expected bid level 0 to be present")
	}
	if !lvl.Price.Equal(decimal.NewFromFloat(49990)) {
		t.Errorf("bid price = %v, want 49990", lvl.Price)
	}
	if !snap.SessionExpiry.After(snap.CreatedAt) {
		t.Error("expected SessionExpiry after CreatedAt")
	}
}

func TestActiveForReturnsNilWhenNoActivePipeline(t *testing.T) {
	t.Parallel()
	c := &Controller{}
	if c.activeFor("BTC-PERP") != nil {
		t.Error("expected nil when no active pipeline is set")
	}
}
