// Package stoikov implements the Stoikov Engine: the Avellaneda-Stoikov
// reservation-price and optimal-spread model, driven by an EWMA volatility
// estimator and a trade-intensity estimator, and adjusted by a volatility
// regime multiplier, a time-of-day session factor, and a toxic-flow
// multiplier before being turned into a priced order ladder.
package stoikov

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// minIntensity floors the trade-arrival rate k fed into the optimal-spread
// term, so a quiet market never produces a degenerate division by zero.
const minIntensity = 0.1

// Engine derives StoikovQuotes from a MarketState and an InventoryState.
type Engine struct {
	cfg       config.StoikovConfig
	vol       *VolEstimator
	flow      *FlowTracker
	intensity *IntensityEstimator
}

// NewEngine builds a Stoikov engine from its tunables. The volatility
// annualization factor is derived from cfg.RefreshInterval (see
// annualizationFactor); there is no separate setter for it.
func NewEngine(cfg config.StoikovConfig) *Engine {
	return &Engine{
		cfg:       cfg,
		vol:       NewVolEstimator(cfg.SigmaLambda, cfg.SigmaWindow),
		flow:      NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier),
		intensity: NewIntensityEstimator(cfg.IntensityWindow),
	}
}

// annualizationFactor assumes the engine is fed one mid-price sample per
// RefreshInterval tick; sqrt(samples-per-year) converts a per-sample
// standard deviation to an annualized volatility.
func (e *Engine) annualizationFactor() float64 {
	interval := e.cfg.RefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	samplesPerYear := (365.25 * 24 * time.Hour).Seconds() / interval.Seconds()
	return math.Sqrt(samplesPerYear)
}

// UpdateVolatility feeds one new mid-price observation into the EWMA
// volatility estimator and returns the current annualized estimate.
func (e *Engine) UpdateVolatility(mid decimal.Decimal) float64 {
	return e.vol.Update(mid, e.annualizationFactor())
}

// RecordFill registers an own-fill with the toxic-flow tracker.
func (e *Engine) RecordFill(side quote.Side) {
	e.flow.AddFill(Fill{Side: side, Timestamp: time.Now()})
}

// RecordTrade feeds one tape print into the trade-intensity estimator that
// supplies k (the order arrival-rate parameter) to DeriveQuotes.
func (e *Engine) RecordTrade(at time.Time) {
	e.intensity.RecordTrade(at)
}

// DeriveQuotes runs the full Stoikov quote-derivation pass (spec §4.2 steps
// 1-6): reservation price, inventory shift, optimal half-spread, inventory
// skew, regime/session adjustment, toxic-flow widening, and sizing.
// maxInventoryPct is the risk manager's configured inventory ceiling (used
// to normalize nav_pct into rho for the skew and sizing steps).
func (e *Engine) DeriveQuotes(market quote.MarketState, inv quote.InventoryState, sym quote.Symbol, at time.Time, maxInventoryPct float64) (quote.StoikovQuotes, error) {
	if market.Mid.IsZero() {
		return quote.StoikovQuotes{}, fmt.Errorf("stoikov: cannot derive quotes from zero mid")
	}

	sigma := market.Volatility
	if sigma <= 0 {
		sigma = 1e-6 // floor to avoid a degenerate zero-spread quote
	}

	gamma := e.cfg.Gamma
	k := e.intensity.Rate()
	if k < minIntensity {
		k = minIntensity
	}

	midF, _ := market.Mid.Float64()
	q, _ := inv.Position.Float64()

	// Step 1: r0 = microprice if micropriceBias else mid.
	r0 := midF
	if e.cfg.MicropriceBias && market.Microprice.IsPositive() {
		r0, _ = market.Microprice.Float64()
	}

	// Step 2: inventory shift, r = r0 - gamma*sigma^2*q.
	reservationF := r0 - gamma*sigma*sigma*q

	// Step 3: optimal half-spread delta0 = (gamma*sigma^2)/(2k) + ln(1+gamma/k)/gamma.
	halfSpreadF := (gamma*sigma*sigma)/(2*k) + math.Log(1+gamma/k)/gamma

	// Floor: delta >= max(0.3*spread, post_only_offset*tick), taken as a
	// full round-trip spread and halved for the per-side floor.
	spreadF, _ := market.Spread.Float64()
	tickF, _ := sym.TickSize.Float64()
	floorFull := math.Max(0.3*spreadF, e.cfg.PostOnlyOffset*tickF)
	if floorHalf := floorFull / 2; halfSpreadF < floorHalf {
		halfSpreadF = floorHalf
	}

	// Step 4: inventory skew, rho = nav_pct/max_inventory_pct,
	// skew = -tanh(2*rho)*0.001 (capped ~10bps), applied to r. nav_pct is
	// unsigned, so the sign is flipped for a short position to push r up.
	navPct, _ := inv.NavPct.Float64()
	rho := 0.0
	if maxInventoryPct != 0 {
		rho = navPct / maxInventoryPct
	}
	skewF := -math.Tanh(2*rho) * 0.001
	if q < 0 {
		skewF = -skewF
	}
	reservationF += skewF * midF
	reservation := decimal.NewFromFloat(reservationF)

	// Step 5: regime multiplier and session factor.
	regimeMult := regimeMultiplier(sigma, e.cfg.RegimeVolThresholds, e.cfg.RegimeMultipliers)
	sessionMult := sessionFactor(at, e.cfg.SessionFactors)
	flowMult := e.flow.SpreadMultiplier()

	halfSpreadF *= regimeMult * sessionMult * flowMult

	// Clamp to the configured floor/ceiling, expressed in bps of mid.
	minHalfSpread := midF * (e.cfg.MinSpreadBps / 10000) / 2
	maxHalfSpread := midF * (e.cfg.MaxSpreadBps / 10000) / 2
	if halfSpreadF < minHalfSpread {
		halfSpreadF = minHalfSpread
	}
	if halfSpreadF > maxHalfSpread {
		halfSpreadF = maxHalfSpread
	}

	halfSpread := decimal.NewFromFloat(halfSpreadF)

	bidPrice := sym.RoundBidPrice(reservation.Sub(halfSpread))
	askPrice := sym.RoundAskPrice(reservation.Add(halfSpread))

	if bidPrice.GreaterThanOrEqual(askPrice) {
		return quote.StoikovQuotes{}, fmt.Errorf("stoikov: degenerate quotes bid %s >= ask %s", bidPrice, askPrice)
	}

	// Step 6: sizing. Base = S0*alphaSizeRatio, shrunk by inventory and
	// skewed 0.7/1.3 toward flattening, divided across the ladder levels.
	absRho := math.Abs(rho)
	if absRho > 1 {
		absRho = 1
	}
	shrink := 1 - 0.5*absRho
	bidSkew, askSkew := 1.0, 1.0
	switch {
	case q > 0:
		bidSkew, askSkew = 0.7, 1.3
	case q < 0:
		bidSkew, askSkew = 1.3, 0.7
	}
	ladderLevels := float64(e.cfg.LadderLevels)
	if ladderLevels <= 0 {
		ladderLevels = 1
	}
	base := e.cfg.OrderSizeBase * e.cfg.AlphaSizeRatio * shrink / ladderLevels
	bidSize := decimal.NewFromFloat(base * bidSkew)
	askSize := decimal.NewFromFloat(base * askSkew)

	return quote.StoikovQuotes{
		Symbol:           market.Symbol,
		Reservation:      reservation,
		HalfSpread:       halfSpread,
		BidPrice:         bidPrice,
		AskPrice:         askPrice,
		BidSize:          sym.RoundSize(bidSize),
		AskSize:          sym.RoundSize(askSize),
		SkewFactor:       decimal.NewFromFloat(skewF),
		RegimeMultiplier: regimeMult,
		Timestamp:        at,
	}, nil
}

// LadderLevel describes one priced, sized rung of the quote ladder.
type LadderLevel struct {
	Side  quote.Side
	Level int
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Ladder expands a StoikovQuotes result into cfg.LadderLevels priced levels
// per side, stepping outward by the base half-spread and decaying size by
// LadderSizeDecay at each level away from the reservation price.
func (e *Engine) Ladder(q quote.StoikovQuotes, sym quote.Symbol) []LadderLevel {
	levels := make([]LadderLevel, 0, e.cfg.LadderLevels*2)
	step := q.HalfSpread

	for i := 0; i < e.cfg.LadderLevels; i++ {
		decay := math.Pow(e.cfg.LadderSizeDecay, float64(i))
		offset := step.Mul(decimal.NewFromInt(int64(i + 1)))

		bidPrice := sym.RoundBidPrice(q.Reservation.Sub(offset))
		askPrice := sym.RoundAskPrice(q.Reservation.Add(offset))
		bidSize := sym.RoundSize(q.BidSize.Mul(decimal.NewFromFloat(decay)))
		askSize := sym.RoundSize(q.AskSize.Mul(decimal.NewFromFloat(decay)))

		levels = append(levels,
			LadderLevel{Side: quote.Buy, Level: i, Price: bidPrice, Size: bidSize},
			LadderLevel{Side: quote.Sell, Level: i, Price: askPrice, Size: askSize},
		)
	}
	return levels
}

// regimeMultiplier selects the spread multiplier for the bucket containing
// sigma, given ascending vol-threshold breakpoints; sigma below the first
// threshold uses thresholds[0]'s multiplier, above the last uses the last.
func regimeMultiplier(sigma float64, thresholds, multipliers []float64) float64 {
	if len(thresholds) == 0 || len(thresholds) != len(multipliers) {
		return 1.0
	}
	for i, th := range thresholds {
		if sigma <= th {
			return multipliers[i]
		}
	}
	return multipliers[len(multipliers)-1]
}

// sessionFactor looks up the multiplier for the UTC hour-of-day bucket
// containing at, defaulting to 1.0 if no entry matches.
func sessionFactor(at time.Time, factors map[string]float64) float64 {
	if len(factors) == 0 {
		return 1.0
	}
	hour := at.UTC().Hour()
	key := strconv.Itoa(hour)
	if f, ok := factors[key]; ok {
		return f
	}
	return 1.0
}
