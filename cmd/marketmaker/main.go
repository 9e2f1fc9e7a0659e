// Command marketmaker runs an automated market-making bot implementing the
// Avellaneda-Stoikov reservation-price/optimal-spread model against a
// generic tick/lot-priced venue.
//
// Architecture:
//
//	main.go                    — entry point: loads config, starts the controller, waits for SIGINT/SIGTERM
//	internal/controller        — orchestrator: wires the scanner, exchange feeds, and one active quoting pipeline
//	internal/stoikov           — Avellaneda-Stoikov quoting: reservation price, optimal half-spread, inventory skew
//	internal/risk              — limit table (inventory, drawdown, rate, volatility) gating size/spread and a kill switch
//	internal/execution         — per-order state machine reconciling desired ladder against live orders
//	internal/patient           — alternate quoting mode that reprices only on a concrete trigger, not every tick
//	internal/marketdata        — local book mirror + microstructure features (mid, microprice, OBI, depth)
//	internal/scanner           — polls the venue's instrument listing, ranks by opportunity score
//	internal/symbolcache       — in-memory, populate-on-first-use cache of tick/lot/min-notional filters
//	internal/exchange          — REST + WebSocket venue adapter: EIP-712 L1 auth, derived L2 HMAC, reconnecting feeds
//
// How it makes money:
//
//	The bot posts a bid below and an ask above its Avellaneda-Stoikov
//	reservation price. When both sides fill it earns the spread; inventory
//	skew pushes the reservation price against any accumulated position to
//	attract offsetting fills before risk limits force a flatten.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/internal/controller"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctrl, err := controller.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create controller", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start controller", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("market maker started",
		"max_active_symbols", cfg.Scanner.MaxActiveSymbols,
		"order_size", cfg.Stoikov.OrderSizeBase,
		"max_inventory_pct", cfg.Risk.MaxInventoryPct,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	ctrl.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
