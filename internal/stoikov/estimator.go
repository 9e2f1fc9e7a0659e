package stoikov

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// VolEstimator maintains an exponentially-weighted moving average of
// squared log returns and reports an annualized volatility estimate.
// Seeded from a fixed window of raw returns before EWMA decay takes over,
// so the estimate isn't undefined on the first few updates.
type VolEstimator struct {
	mu sync.Mutex

	lambda    float64 // EWMA decay, closer to 1 = slower decay
	window    int     // seed window size
	seeded    []float64
	ewmaVar   float64
	haveEwma  bool
	lastPrice decimal.Decimal
	havePrice bool
}

// NewVolEstimator creates an estimator with the given EWMA decay and seed window.
func NewVolEstimator(lambda float64, window int) *VolEstimator {
	return &VolEstimator{
		lambda: lambda,
		window: window,
		seeded: make([]float64, 0, window),
	}
}

// Update feeds a new mid price and returns the current annualized vol
// estimate. annualizationFactor converts the per-sample standard deviation
// to an annualized volatility (e.g. sqrt(samples-per-year)).
func (v *VolEstimator) Update(price decimal.Decimal, annualizationFactor float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.havePrice {
		v.lastPrice = price
		v.havePrice = true
		return v.currentLocked(annualizationFactor)
	}

	if v.lastPrice.IsPositive() && price.IsPositive() {
		ratio, _ := price.Div(v.lastPrice).Float64()
		if ratio > 0 {
			logReturn := math.Log(ratio)
			sq := logReturn * logReturn

			if !v.haveEwma {
				v.seeded = append(v.seeded, sq)
				if len(v.seeded) >= v.window {
					sum := 0.0
					for _, s := range v.seeded {
						sum += s
					}
					v.ewmaVar = sum / float64(len(v.seeded))
					v.haveEwma = true
					v.seeded = nil
				}
			} else {
				v.ewmaVar = v.lambda*v.ewmaVar + (1-v.lambda)*sq
			}
		}
	}
	v.lastPrice = price
	return v.currentLocked(annualizationFactor)
}

func (v *VolEstimator) currentLocked(annualizationFactor float64) float64 {
	if !v.haveEwma {
		if len(v.seeded) == 0 {
			return 0
		}
		sum := 0.0
		for _, s := range v.seeded {
			sum += s
		}
		return math.Sqrt(sum/float64(len(v.seeded))) * annualizationFactor
	}
	return math.Sqrt(v.ewmaVar) * annualizationFactor
}

// Current returns the latest annualized vol estimate without ingesting a
// new sample.
func (v *VolEstimator) Current(annualizationFactor float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentLocked(annualizationFactor)
}

// IntensityEstimator tracks order arrival rate (trades per second) over a
// rolling time window, feeding the k parameter of the A-S optimal-spread term.
type IntensityEstimator struct {
	mu     sync.Mutex
	window time.Duration
	events []time.Time
}

// NewIntensityEstimator creates an intensity estimator over the given window.
func NewIntensityEstimator(window time.Duration) *IntensityEstimator {
	return &IntensityEstimator{window: window}
}

// RecordTrade registers one trade arrival.
func (e *IntensityEstimator) RecordTrade(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, at)
	e.evictLocked()
}

func (e *IntensityEstimator) evictLocked() {
	cutoff := time.Now().Add(-e.window)
	i := 0
	for ; i < len(e.events); i++ {
		if e.events[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		e.events = e.events[i:]
	}
}

// Rate returns trades per second over the configured window.
func (e *IntensityEstimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evictLocked()
	if len(e.events) == 0 {
		return 0
	}
	return float64(len(e.events)) / e.window.Seconds()
}
