// Package symbolcache provides an in-memory, populate-on-first-use cache of
// venue symbol filters (tick size, lot step, minimum notional). Spec: no
// state intrinsic to the core engine is persisted to disk; symbol filters
// may be cached in process memory only, refreshed by re-fetching from the
// venue on process restart.
//
// Adapted from the teacher's JSON-file position store: the crash-safety
// concern that justified a file-backed store doesn't apply here (filters
// are venue-published and idempotent to refetch), so the store collapses
// to a plain mutex-guarded map with no disk I/O.
package symbolcache

import (
	"context"
	"fmt"
	"sync"

	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// Fetcher retrieves a symbol's filters from the venue. The concrete
// implementation lives in internal/exchange.
type Fetcher interface {
	FetchSymbol(ctx context.Context, name string) (quote.Symbol, error)
}

// Cache holds symbol filters fetched lazily and never mutated thereafter.
type Cache struct {
	fetcher Fetcher

	mu      sync.RWMutex
	symbols map[string]quote.Symbol
}

// New creates a symbol cache backed by fetcher.
func New(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		symbols: make(map[string]quote.Symbol),
	}
}

// Get returns the cached filters for name, fetching and caching them on
// first use. Once populated, an entry is never refreshed or evicted for the
// lifetime of the process.
func (c *Cache) Get(ctx context.Context, name string) (quote.Symbol, error) {
	c.mu.RLock()
	sym, ok := c.symbols[name]
	c.mu.RUnlock()
	if ok {
		return sym, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if sym, ok := c.symbols[name]; ok {
		return sym, nil
	}

	sym, err := c.fetcher.FetchSymbol(ctx, name)
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("fetch symbol %s: %w", name, err)
	}
	c.symbols[name] = sym
	return sym, nil
}

// Preload populates the cache with an already-known symbol, skipping the
// fetch round-trip (used on startup when the scanner has already pulled
// instrument metadata).
func (c *Cache) Preload(sym quote.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols[sym.Name] = sym
}

// Len returns the number of symbols currently cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols)
}
