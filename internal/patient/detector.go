// Package patient implements the Patient Event Detector: a variant quoting
// mode that, instead of repricing on every tick, watches resting quote
// levels against the live book and only fires a reprice when one of a
// handful of concrete triggers crosses its threshold (top-N exit, queue-
// ahead buildup, reference-price drift, or a level/session TTL). Triggers
// are queued by priority and drained with jitter and a minimum spacing so
// the engine never thrashes in response to every book tick.
package patient

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/internal/execution"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// Detector watches a single symbol's QuoteSnapshot against live book
// updates and raises PatientEvents when a trigger condition is met.
type Detector struct {
	cfg config.PatientConfig
	rng *rand.Rand

	mu            sync.Mutex
	snapshot      quote.QuoteSnapshot
	haveSnapshot  bool
	lastRequoteAt time.Time

	queue eventQueue
}

// NewDetector creates a patient event detector. seed parameterizes the
// jitter source so tests can make it deterministic.
func NewDetector(cfg config.PatientConfig, seed int64) *Detector {
	return &Detector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Arm records a freshly-placed quote snapshot as the new reference point
// for drift/TTL/queue-ahead evaluation.
func (d *Detector) Arm(snapshot quote.QuoteSnapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snapshot = snapshot
	d.haveSnapshot = true
}

// Evaluate checks every armed level against the current book and mid,
// pushing any newly-triggered events onto the priority queue. It returns
// the events it pushed this pass for logging/observability.
func (d *Detector) Evaluate(book quote.L2Book, mid decimal.Decimal, now time.Time) []quote.PatientEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.haveSnapshot {
		return nil
	}

	var fired []quote.PatientEvent

	if now.After(d.snapshot.SessionExpiry) {
		ev := quote.PatientEvent{Kind: quote.PatientEventSessionTTL, Symbol: d.snapshot.Symbol, Priority: quote.PriorityHigh, RaisedAt: now, Detail: "session TTL expired"}
		fired = append(fired, ev)
		heap.Push(&d.queue, ev)
		return fired
	}

	if d.cfg.DriftTriggerBps > 0 && !d.snapshot.MidAtPost.IsZero() {
		driftBps := mid.Sub(d.snapshot.MidAtPost).Div(d.snapshot.MidAtPost).Mul(decimal.NewFromInt(10000)).Abs()
		if driftBps.GreaterThan(decimal.NewFromFloat(d.cfg.DriftTriggerBps)) {
			ev := quote.PatientEvent{Kind: quote.PatientEventDrift, Symbol: d.snapshot.Symbol, Priority: quote.PriorityHigh, RaisedAt: now, Detail: "reference price drift exceeded"}
			fired = append(fired, ev)
			heap.Push(&d.queue, ev)
		}
	}

	for key, lvl := range d.snapshot.Levels {
		if now.After(lvl.TTLExpiry) {
			ev := quote.PatientEvent{Kind: quote.PatientEventLevelTTL, Symbol: d.snapshot.Symbol, Side: key.Side, Level: key.Level, Priority: quote.PriorityMedium, RaisedAt: now, Detail: "level TTL expired"}
			fired = append(fired, ev)
			heap.Push(&d.queue, ev)
			continue
		}

		levels := book.Bids
		if key.Side == quote.Sell {
			levels = book.Asks
		}
		rank := levelRank(levels, lvl.Price)
		if rank >= d.cfg.TopN {
			ev := quote.PatientEvent{Kind: quote.PatientEventTopNExit, Symbol: d.snapshot.Symbol, Side: key.Side, Level: key.Level, Priority: quote.PriorityHigh, RaisedAt: now, Detail: "quote fell outside top-N"}
			fired = append(fired, ev)
			heap.Push(&d.queue, ev)
			continue
		}

		opposingLevels := book.Bids
		if key.Side == quote.Sell {
			opposingLevels = book.Asks
		}
		ahead := execution.EstimateQueueAheadNotional(opposingLevels, lvl.Price, key.Side)
		if d.cfg.QueueAheadMaxNotional > 0 && ahead.GreaterThan(decimal.NewFromFloat(d.cfg.QueueAheadMaxNotional)) {
			ev := quote.PatientEvent{Kind: quote.PatientEventQueueAhead, Symbol: d.snapshot.Symbol, Side: key.Side, Level: key.Level, Priority: quote.PriorityMedium, RaisedAt: now, Detail: "queue-ahead notional exceeded"}
			fired = append(fired, ev)
			heap.Push(&d.queue, ev)
		}
	}

	return fired
}

// Drain pops the highest-priority pending event if the minimum requote
// interval (plus jitter) has elapsed since the last requote. Returns
// (event, true) if a requote should fire now.
func (d *Detector) Drain(now time.Time) (quote.PatientEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queue.Len() == 0 {
		return quote.PatientEvent{}, false
	}

	jitter := time.Duration(0)
	if d.cfg.JitterMaxMs > 0 {
		jitter = time.Duration(d.rng.Intn(d.cfg.JitterMaxMs)) * time.Millisecond
	}
	if !d.lastRequoteAt.IsZero() && now.Sub(d.lastRequoteAt) < d.cfg.MinRequoteInterval+jitter {
		return quote.PatientEvent{}, false
	}

	ev := heap.Pop(&d.queue).(quote.PatientEvent)
	d.lastRequoteAt = now
	return ev, true
}

// Pending returns how many triggers are currently queued, awaiting drain.
func (d *Detector) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// levelRank returns the zero-based depth index of price within levels, or
// len(levels) if price is no longer present (walked off the visible book).
func levelRank(levels []quote.PriceLevel, price decimal.Decimal) int {
	for i, lvl := range levels {
		if lvl.Price.Equal(price) {
			return i
		}
	}
	return len(levels)
}

// ————————————————————————————————————————————————————————————————————————
// Priority queue
// ————————————————————————————————————————————————————————————————————————

type eventQueue []quote.PatientEvent

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority // higher priority drains first
	}
	return q[i].RaisedAt.Before(q[j].RaisedAt)
}
func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) {
	*q = append(*q, x.(quote.PatientEvent))
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
