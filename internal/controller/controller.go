// Package controller implements the Bot Controller: it wires the exchange
// capability, the scanner, and one live per-symbol pipeline (market-data
// processor, Stoikov engine, risk manager, execution engine, patient
// detector) together, and owns the symbol the bot is actively quoting.
//
// The scanner ranks the venue's tradeable instruments; the controller
// always runs exactly one active pipeline, for the top-ranked symbol the
// scanner currently reports. Pinning the bot to a fixed symbol is done by
// narrowing the scanner's include filter to that one name in config, not by
// a separate code path — the scanner's ranked list degenerates to a single
// entry and the controller's symbol-switch logic never fires. This mirrors
// the teacher's engine.go orchestration (wire exchange -> marketdata ->
// stoikov/risk -> execution -> back to exchange) generalized from the
// teacher's N-concurrent-markets slot map down to one slot, since a single
// tick/lot instrument's quoting loop has no YES/NO pair to split across.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/internal/exchange"
	"github.com/0xtitan6/avellaneda-mm/internal/execution"
	"github.com/0xtitan6/avellaneda-mm/internal/marketdata"
	"github.com/0xtitan6/avellaneda-mm/internal/patient"
	"github.com/0xtitan6/avellaneda-mm/internal/risk"
	"github.com/0xtitan6/avellaneda-mm/internal/scanner"
	"github.com/0xtitan6/avellaneda-mm/internal/stoikov"
	"github.com/0xtitan6/avellaneda-mm/internal/symbolcache"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// baselineVolAlpha is the EMA decay used to track a slow-moving baseline
// volatility, compared each tick against the Stoikov engine's current
// estimate to detect the vol-spike risk event (spec §4.3).
const baselineVolAlpha = 0.01

// pipeline is everything needed to quote one symbol.
type pipeline struct {
	sym quote.Symbol

	md    *marketdata.Processor
	stoik *stoikov.Engine
	exec  *execution.Engine
	pat   *patient.Detector
	rm    *risk.Manager
	inv   *Inventory

	baselineVol float64
	havePlaced  bool
}

// Controller wires every subsystem together and owns the lifecycle of the
// one symbol currently being quoted.
type Controller struct {
	cfg    config.Config
	logger *slog.Logger

	client     *exchange.Client
	auth       *exchange.Auth
	marketFeed *exchange.WSFeed
	userFeed   *exchange.WSFeed
	scan       *scanner.Scanner
	symbols    *symbolcache.Cache

	mu     sync.RWMutex
	active *pipeline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a controller from config, wiring the exchange adapter, both
// WebSocket feeds, the instrument scanner, and the symbol-filter cache. It
// does not start any network activity; call Start for that.
func New(cfg config.Config, logger *slog.Logger) (*Controller, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("controller: auth: %w", err)
	}

	client := exchange.NewClient(cfg, auth, logger)

	return &Controller{
		cfg:        cfg,
		logger:     logger.With("component", "controller"),
		client:     client,
		auth:       auth,
		marketFeed: exchange.NewMarketFeed(cfg.API.WSMarketURL, logger),
		userFeed:   exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger),
		scan:       scanner.NewScanner(cfg, logger),
		symbols:    symbolcache.New(client),
	}, nil
}

// Start derives L2 credentials if none were configured, then launches the
// scanner, both WS feeds, and the controller's own event-dispatch and
// quoting loops. Returns once everything is running; does not block.
func (c *Controller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if !c.auth.HasL2Credentials() && !c.cfg.DryRun {
		creds, err := c.client.DeriveAPIKey(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("controller: derive api key: %w", err)
		}
		c.auth.SetCredentials(*creds)
	}

	c.wg.Add(5)
	go func() { defer c.wg.Done(); c.scan.Run(ctx) }()
	go func() { defer c.wg.Done(); c.marketFeed.Run(ctx) }()
	go func() { defer c.wg.Done(); c.userFeed.Run(ctx) }()
	go func() { defer c.wg.Done(); c.selectLoop(ctx) }()
	go func() { defer c.wg.Done(); c.quoteLoop(ctx) }()

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.dispatchMarketEvents(ctx) }()
	go func() { defer c.wg.Done(); c.dispatchUserEvents(ctx) }()

	c.logger.Info("controller started", "dry_run", c.cfg.DryRun)
	return nil
}

// Stop cancels every goroutine, waits for them to exit, and flattens the
// active symbol's orders on the way out.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.RLock()
	active := c.active
	c.mu.RUnlock()
	if active != nil {
		flattenCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := active.exec.Flatten(flattenCtx, active.inv.Snapshot().Quantity); err != nil {
			c.logger.Error("flatten on shutdown failed", "symbol", active.sym.Name, "error", err)
		}
	}
	c.logger.Info("controller stopped")
}

// selectLoop reads ranked scan results and switches the active symbol to
// the top-ranked instrument whenever it differs from the one currently running.
func (c *Controller) selectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-c.scan.Results():
			if !ok {
				return
			}
			if len(result.Instruments) == 0 {
				c.logger.Warn("scanner returned no eligible instruments")
				continue
			}
			top := result.Instruments[0]

			c.mu.RLock()
			current := ""
			if c.active != nil {
				current = c.active.sym.Name
			}
			c.mu.RUnlock()

			if top.Symbol.Name == current {
				continue
			}
			if err := c.switchSymbol(ctx, top); err != nil {
				c.logger.Error("symbol switch failed", "symbol", top.Symbol.Name, "error", err)
			}
		}
	}
}

// switchSymbol tears down the currently active pipeline (flatten + cancel,
// unsubscribe) and stands up a fresh one for the newly selected instrument.
func (c *Controller) switchSymbol(ctx context.Context, inst scanner.Instrument) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		old := c.active
		c.logger.Info("switching active symbol", "from", old.sym.Name, "to", inst.Symbol.Name)
		if err := old.exec.Flatten(ctx, old.inv.Snapshot().Quantity); err != nil {
			c.logger.Error("flatten during symbol switch failed", "symbol", old.sym.Name, "error", err)
		}
		_ = c.marketFeed.Unsubscribe(ctx, []string{old.sym.Name})
		_ = c.userFeed.Unsubscribe(ctx, []string{old.sym.Name})
		c.active = nil
	}

	c.symbols.Preload(inst.Symbol)
	sym, err := c.symbols.Get(ctx, inst.Symbol.Name)
	if err != nil {
		return fmt.Errorf("fetch symbol filters: %w", err)
	}

	riskMgr := risk.NewManager(riskLimitsFromConfig(c.cfg.Risk), c.logger, c.cfg.Risk.StartingNAV)
	p := &pipeline{
		sym:   sym,
		md:    marketdata.NewProcessor(sym.Name, c.cfg.Stoikov.IntensityWindow, c.cfg.Stoikov.MicropriceLevels),
		stoik: stoikov.NewEngine(c.cfg.Stoikov),
		exec:  execution.NewEngine(sym, c.client, riskMgr, c.logger, executionTunablesFromConfig(c.cfg.Execution)),
		pat:   patient.NewDetector(c.cfg.Patient, time.Now().UnixNano()),
		rm:    riskMgr,
		inv:   NewInventory(sym.Name),
	}

	if book, err := c.client.GetOrderBook(ctx, sym.Name); err == nil {
		if err := p.md.ApplyBook(book); err != nil {
			c.logger.Warn("initial book snapshot rejected", "symbol", sym.Name, "error", err)
		}
	} else {
		c.logger.Warn("initial book fetch failed", "symbol", sym.Name, "error", err)
	}

	if err := c.marketFeed.Subscribe(ctx, []string{sym.Name}); err != nil {
		return fmt.Errorf("subscribe market feed: %w", err)
	}
	if err := c.userFeed.Subscribe(ctx, []string{sym.Name}); err != nil {
		return fmt.Errorf("subscribe user feed: %w", err)
	}

	c.active = p
	c.logger.Info("active symbol armed", "symbol", sym.Name, "score", inst.Score)
	return nil
}

// dispatchMarketEvents routes book snapshots and public trade prints from
// the market WS feed into the active pipeline's market-data processor,
// dropping events for any symbol that isn't currently active (e.g. stale
// events in flight during a symbol switch).
func (c *Controller) dispatchMarketEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.marketFeed.BookEvents():
			if !ok {
				return
			}
			p := c.activeFor(evt.Symbol)
			if p == nil {
				continue
			}
			book, err := evt.Book()
			if err != nil {
				c.logger.Error("parse book event", "symbol", evt.Symbol, "error", err)
				continue
			}
			if err := p.md.ApplyBook(book); err != nil {
				c.logger.Warn("book update rejected", "symbol", evt.Symbol, "error", err)
			}
		case evt, ok := <-c.marketFeed.TradeEvents():
			if !ok {
				return
			}
			p := c.activeFor(evt.Symbol)
			if p == nil {
				continue
			}
			trade, err := evt.Trade()
			if err != nil {
				c.logger.Error("parse trade event", "symbol", evt.Symbol, "error", err)
				continue
			}
			p.md.ApplyTrade(trade)
			p.stoik.RecordTrade(trade.Timestamp)
		}
	}
}

// dispatchUserEvents routes fills from the user WS feed into the active
// pipeline's execution engine and inventory; order lifecycle updates are
// only logged.
func (c *Controller) dispatchUserEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.userFeed.FillEvents():
			if !ok {
				return
			}
			p := c.activeFor(evt.Symbol)
			if p == nil {
				continue
			}
			filledSize, err := evt.FilledSizeDecimal()
			if err != nil {
				c.logger.Error("parse fill size", "order_id", evt.OrderID, "error", err)
				continue
			}
			price, err := decimal.NewFromString(evt.Price)
			if err != nil {
				c.logger.Error("parse fill price", "order_id", evt.OrderID, "error", err)
				continue
			}
			ord, matched := p.exec.OnFill(evt.OrderID, filledSize)
			if !matched {
				continue
			}
			p.inv.OnFill(Fill{Timestamp: time.Now(), Side: ord.Side, Price: price, Size: filledSize})
			p.stoik.RecordFill(ord.Side)
		case evt, ok := <-c.userFeed.OrderEvents():
			if !ok {
				return
			}
			if evt.Status == "rejected" || evt.Status == "error" {
				c.logger.Warn("order lifecycle event", "order_id", evt.OrderID, "symbol", evt.Symbol, "status", evt.Status, "reason", evt.Reason)
			} else {
				c.logger.Debug("order lifecycle event", "order_id", evt.OrderID, "symbol", evt.Symbol, "status", evt.Status)
			}
		}
	}
}

// quoteLoop is the controller's single task loop (spec §5): on every
// RefreshInterval tick it derives a fresh quote ladder for the active
// symbol, evaluates risk, and reconciles orders — unless patient mode is
// still waiting for a concrete trigger to fire.
func (c *Controller) quoteLoop(ctx context.Context) {
	interval := c.cfg.Stoikov.RefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(ctx, now)
		}
	}
}

func (c *Controller) tick(ctx context.Context, now time.Time) {
	c.mu.RLock()
	p := c.active
	c.mu.RUnlock()
	if p == nil {
		return
	}

	if p.md.IsStale(c.cfg.Stoikov.StaleBookTimeout) {
		if err := p.exec.Flatten(ctx, p.inv.Snapshot().Quantity); err != nil {
			c.logger.Error("flatten on stale book failed", "symbol", p.sym.Name, "error", err)
		}
		return
	}

	market, ok := p.md.Snapshot()
	if !ok {
		return
	}

	market.Volatility = p.stoik.UpdateVolatility(market.Mid)
	if p.baselineVol == 0 {
		p.baselineVol = market.Volatility
	}

	p.inv.MarkToMarket(market.Mid)
	pos := p.inv.Snapshot()
	nav := c.cfg.Risk.StartingNAV + pos.RealizedPnL.InexactFloat64() + pos.UnrealizedPnL.InexactFloat64()
	invState := p.inv.State(nav, market.Mid)

	report := risk.InventoryReport{
		Symbol:         p.sym.Name,
		NavPct:         mustFloat(invState.NavPct),
		DriftBps:       mustFloat(invState.DriftBps),
		RealizedPnL:    pos.RealizedPnL.InexactFloat64(),
		UnrealizedPnL:  pos.UnrealizedPnL.InexactFloat64(),
		NAV:            nav,
		CurrentVolAnn:  market.Volatility,
		BaselineVolAnn: p.baselineVol,
		Timestamp:      now,
	}
	metrics, events := p.rm.Evaluate(report)
	p.baselineVol = p.baselineVol*(1-baselineVolAlpha) + market.Volatility*baselineVolAlpha

	for _, ev := range events {
		c.logger.Warn("risk event", "symbol", p.sym.Name, "kind", ev.Kind, "action", ev.Action, "warning", ev.IsWarning, "value", ev.Value, "limit", ev.Limit)
		if ev.Action == quote.ActionFlatten || ev.Action == quote.ActionStop {
			if err := p.exec.Flatten(ctx, p.inv.Snapshot().Quantity); err != nil {
				c.logger.Error("risk-triggered flatten failed", "symbol", p.sym.Name, "error", err)
			}
		}
	}

	if !metrics.CanTrade {
		return
	}

	quotes, err := p.stoik.DeriveQuotes(market, invState, p.sym, now, c.cfg.Risk.MaxInventoryPct)
	if err != nil {
		c.logger.Debug("quote derivation skipped", "symbol", p.sym.Name, "error", err)
		return
	}

	quotes.HalfSpread = quotes.HalfSpread.Mul(decimal.NewFromFloat(metrics.SpreadMultiplier))
	quotes.BidSize = p.sym.RoundSize(quotes.BidSize.Mul(decimal.NewFromFloat(metrics.SizeMultiplier)))
	quotes.AskSize = p.sym.RoundSize(quotes.AskSize.Mul(decimal.NewFromFloat(metrics.SizeMultiplier)))

	ladder := p.stoik.Ladder(quotes, p.sym)

	book := p.md.BookSnapshot()
	fired := p.pat.Evaluate(book, market.Mid, now)
	for _, ev := range fired {
		c.logger.Debug("patient trigger armed", "symbol", p.sym.Name, "kind", ev.Kind, "side", ev.Side, "level", ev.Level)
	}

	requote := !p.havePlaced
	if ev, drained := p.pat.Drain(now); drained {
		requote = true
		c.logger.Debug("patient trigger drained", "symbol", p.sym.Name, "kind", ev.Kind)
	}
	if !requote {
		return
	}

	if err := p.exec.Reconcile(ctx, ladder); err != nil {
		c.logger.Error("reconcile failed", "symbol", p.sym.Name, "error", err)
		return
	}
	p.havePlaced = true
	p.pat.Arm(snapshotFromLadder(p.sym.Name, ladder, market.Mid, now, c.cfg.Patient))
}

// activeFor returns the active pipeline if it is currently quoting symbol,
// or nil otherwise (e.g. a stale event arriving mid symbol-switch).
func (c *Controller) activeFor(symbol string) *pipeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil || c.active.sym.Name != symbol {
		return nil
	}
	return c.active
}

func snapshotFromLadder(symbol string, ladder []stoikov.LadderLevel, mid decimal.Decimal, now time.Time, cfg config.PatientConfig) quote.QuoteSnapshot {
	levels := make(map[quote.LevelKey]quote.QuotedLevel, len(ladder))
	for _, lvl := range ladder {
		levels[quote.LevelKey{Side: lvl.Side, Level: lvl.Level}] = quote.QuotedLevel{
			Price:     lvl.Price,
			Size:      lvl.Size,
			TTLExpiry: now.Add(cfg.LevelTTL),
		}
	}
	return quote.QuoteSnapshot{
		Symbol:        symbol,
		Levels:        levels,
		MidAtPost:     mid,
		CreatedAt:     now,
		SessionExpiry: now.Add(cfg.SessionTTL),
	}
}

func riskLimitsFromConfig(r config.RiskConfig) quote.RiskLimits {
	return quote.RiskLimits{
		MaxInventoryPct:      r.MaxInventoryPct,
		DriftCutBps:          r.DriftCutBps,
		SessionDDLimitPct:    r.SessionDDLimitPct,
		DailyDDLimitPct:      r.DailyDDLimitPct,
		MaxConsecutiveFails:  r.MaxConsecutiveFails,
		MaxOrdersPerSecond:   r.MaxOrdersPerSecond,
		MaxSpreadMultiplier:  r.MaxSpreadMultiplier,
		VolSpikeThresholdPct: r.VolSpikeThresholdPct,
		VolSpikeCooldownMs:   r.VolSpikeCooldownMs,
		WarningFractionPct:   r.WarningFractionPct,
	}
}

func executionTunablesFromConfig(e config.ExecutionConfig) execution.Tunables {
	return execution.Tunables{
		OrderTTL:         e.OrderTTL,
		RepostInterval:   e.RepostInterval,
		MaxRetries:       e.MaxRetries,
		RetryBackoffBase: e.RetryBackoffBase,
		CooldownDuration: e.CooldownDuration,
	}
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
