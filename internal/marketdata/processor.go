// Package marketdata implements the Market-Data Processor: it validates
// incoming L2 book snapshots and trade prints, tracks sequence continuity,
// and derives the microstructure features (mid, microprice, OBI, depth,
// weighted mid) the Stoikov engine consumes.
//
// Processor mirrors the venue's book locally. It is updated from two
// sources: full snapshots (ApplyBook) and trade prints (ApplyTrade). It is
// concurrency-safe (RWMutex protected) so the controller's single task loop
// can publish derived state while a WS worker goroutine feeds it updates.
package marketdata

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// TopNDepth is how many levels the OBI and depth calculations look at.
const TopNDepth = 5

// Processor maintains local order-book state for one symbol and derives
// MarketState on every update.
type Processor struct {
	mu sync.RWMutex

	symbol           string
	book             quote.L2Book
	lastSeq          int64
	seqGap           bool
	updatedAt        time.Time
	lastTrades       []quote.Trade
	tradeWindow      time.Duration
	micropriceLevels int
}

// NewProcessor creates a market-data processor for one symbol. tradeWindow
// bounds the trade-tape ring buffer used for intensity estimation upstream.
// micropriceLevels is how many top-of-book levels per side are aggregated
// into the microprice calculation (spec §4.1).
func NewProcessor(symbol string, tradeWindow time.Duration, micropriceLevels int) *Processor {
	if micropriceLevels <= 0 {
		micropriceLevels = 1
	}
	return &Processor{
		symbol:           symbol,
		lastSeq:          -1,
		tradeWindow:      tradeWindow,
		micropriceLevels: micropriceLevels,
	}
}

// ApplyBook validates and applies a new L2 book snapshot. It returns an
// error if the book fails structural validation (crossed book, unsorted
// levels, negative sizes); the processor does not mutate state on error so
// a malformed update never corrupts the last-known-good book.
func (p *Processor) ApplyBook(b quote.L2Book) error {
	if err := validateBook(b); err != nil {
		return fmt.Errorf("invalid book for %s: %w", b.Symbol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	gap := false
	if p.lastSeq >= 0 && b.Sequence > 0 && b.Sequence != p.lastSeq+1 {
		gap = true
	}
	if b.Sequence > 0 {
		p.lastSeq = b.Sequence
	}
	p.seqGap = gap
	p.book = b
	p.updatedAt = time.Now()
	return nil
}

// ApplyTrade appends a trade print to the rolling trade tape and evicts
// entries outside tradeWindow.
func (p *Processor) ApplyTrade(t quote.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastTrades = append(p.lastTrades, t)
	cutoff := time.Now().Add(-p.tradeWindow)
	i := 0
	for ; i < len(p.lastTrades); i++ {
		if p.lastTrades[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		p.lastTrades = p.lastTrades[i:]
	}
}

// RecentTrades returns a copy of the trade tape currently retained.
func (p *Processor) RecentTrades() []quote.Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]quote.Trade, len(p.lastTrades))
	copy(out, p.lastTrades)
	return out
}

// IsStale reports whether the book hasn't been updated within maxAge.
func (p *Processor) IsStale(maxAge time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.updatedAt.IsZero() {
		return true
	}
	return time.Since(p.updatedAt) > maxAge
}

// Snapshot derives a MarketState from the current book. Volatility and
// Intensity are left zero; the Stoikov engine fills those in from its own
// estimators before deriving quotes.
func (p *Processor) Snapshot() (quote.MarketState, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	bid, okBid := p.book.TopBid()
	ask, okAsk := p.book.TopAsk()
	if !okBid || !okAsk {
		return quote.MarketState{}, false
	}

	mid := bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	spread := ask.Price.Sub(bid.Price)
	spreadBps := decimal.Zero
	if !mid.IsZero() {
		spreadBps = spread.Div(mid).Mul(decimal.NewFromInt(10000))
	}

	micro := microprice(p.book.Bids, p.book.Asks, p.micropriceLevels, mid)
	obi := orderBookImbalance(p.book.Bids, p.book.Asks, TopNDepth)
	bidDepth := sumDepth(p.book.Bids, TopNDepth)
	askDepth := sumDepth(p.book.Asks, TopNDepth)
	wmid := weightedMid(bid, ask)

	return quote.MarketState{
		Symbol:      p.symbol,
		Mid:         mid,
		Microprice:  micro,
		Spread:      spread,
		SpreadBps:   spreadBps,
		OBI:         obi,
		TopBidDepth: bidDepth,
		TopAskDepth: askDepth,
		WeightedMid: wmid,
		Timestamp:   p.updatedAt,
		SequenceGap: p.seqGap,
	}, true
}

// BookSnapshot returns a copy of the current validated book, used by the
// patient detector for its top-N and queue-ahead checks.
func (p *Processor) BookSnapshot() quote.L2Book {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b := p.book
	b.Bids = append([]quote.PriceLevel(nil), p.book.Bids...)
	b.Asks = append([]quote.PriceLevel(nil), p.book.Asks...)
	return b
}

// ImpactPrice walks the live book for the given side and notional, per
// spec §4.1 step 3. Only the tests call it.
func (p *Processor) ImpactPrice(side quote.Side, notional decimal.Decimal) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if side == quote.Buy {
		return quote.ImpactPrice(p.book.Asks, notional)
	}
	return quote.ImpactPrice(p.book.Bids, notional)
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

func validateBook(b quote.L2Book) error {
	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return fmt.Errorf("empty book")
	}
	for i, lvl := range b.Bids {
		if lvl.Price.IsNegative() || lvl.Size.IsNegative() {
			return fmt.Errorf("negative bid level at index %d", i)
		}
		if i > 0 && lvl.Price.GreaterThan(b.Bids[i-1].Price) {
			return fmt.Errorf("bids not descending at index %d", i)
		}
	}
	for i, lvl := range b.Asks {
		if lvl.Price.IsNegative() || lvl.Size.IsNegative() {
			return fmt.Errorf("negative ask level at index %d", i)
		}
		if i > 0 && lvl.Price.LessThan(b.Asks[i-1].Price) {
			return fmt.Errorf("asks not ascending at index %d", i)
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && b.Bids[0].Price.GreaterThanOrEqual(b.Asks[0].Price) {
		return fmt.Errorf("crossed book: best bid %s >= best ask %s", b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Derived feature calculations
// ————————————————————————————————————————————————————————————————————————

// microprice aggregates the top n levels per side (spec §4.1): with
// Vb = sum of bid sizes, Va = sum of ask sizes, Pb = size-weighted average
// bid price, Pa = size-weighted average ask price, the result is
// (Pb*Va + Pa*Vb)/(Vb+Va) — a heavier bid (larger Vb) pulls the microprice
// toward the ask side's price and vice versa. Falls back to mid if either
// side carries zero volume.
func microprice(bids, asks []quote.PriceLevel, n int, mid decimal.Decimal) decimal.Decimal {
	bidNotional, vb := weightedSum(bids, n)
	askNotional, va := weightedSum(asks, n)
	if vb.IsZero() || va.IsZero() {
		return mid
	}
	pb := bidNotional.Div(vb)
	pa := askNotional.Div(va)
	return pb.Mul(va).Add(pa.Mul(vb)).Div(vb.Add(va))
}

// orderBookImbalance computes (bidDepth-askDepth)/(bidDepth+askDepth) over
// the top n levels, in [-1, 1]. Positive means buy pressure.
func orderBookImbalance(bids, asks []quote.PriceLevel, n int) float64 {
	bidDepth := sumDepth(bids, n)
	askDepth := sumDepth(asks, n)
	total := bidDepth.Add(askDepth)
	if total.IsZero() {
		return 0
	}
	diff := bidDepth.Sub(askDepth)
	v, _ := diff.Div(total).Float64()
	return v
}

func sumDepth(levels []quote.PriceLevel, n int) decimal.Decimal {
	sum := decimal.Zero
	for i, lvl := range levels {
		if i >= n {
			break
		}
		sum = sum.Add(lvl.Size)
	}
	return sum
}

// weightedMid is the top-of-book cross-weighted mid (spec §4.1): each side's
// price is weighted by the OPPOSITE side's resting size, so a heavier ask
// pulls the weighted mid toward the bid and vice versa.
func weightedMid(bid, ask quote.PriceLevel) decimal.Decimal {
	totalSize := bid.Size.Add(ask.Size)
	if totalSize.IsZero() {
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2))
	}
	return bid.Price.Mul(ask.Size).Add(ask.Price.Mul(bid.Size)).Div(totalSize)
}

func weightedSum(levels []quote.PriceLevel, n int) (notional, size decimal.Decimal) {
	notional, size = decimal.Zero, decimal.Zero
	for i, lvl := range levels {
		if i >= n {
			break
		}
		notional = notional.Add(lvl.Price.Mul(lvl.Size))
		size = size.Add(lvl.Size)
	}
	return notional, size
}
