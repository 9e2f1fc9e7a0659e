// Package scanner periodically polls the venue's instrument listing to
// discover and rank the best market-making opportunities. Generalized from
// the teacher's Gamma-market scanner: instead of binary-outcome prediction
// markets, it ranks tradeable tick/lot-priced instruments.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
	"github.com/0xtitan6/avellaneda-mm/pkg/quote"
)

// instrumentWire is the JSON shape returned by the venue's instrument listing.
type instrumentWire struct {
	Symbol     string  `json:"symbol"`
	Active     bool    `json:"active"`
	Tradeable  bool    `json:"tradeable"`
	TickSize   string  `json:"tick_size"`
	LotStep    string  `json:"lot_step"`
	MinNotional string `json:"min_notional"`
	Liquidity  float64 `json:"liquidity"`
	Volume24h  float64 `json:"volume_24h"`
	Spread     float64 `json:"spread"`
	BestBid    float64 `json:"best_bid"`
	BestAsk    float64 `json:"best_ask"`
	LastPrice  float64 `json:"last_price"`
}

// Instrument is a ranked, tradeable symbol selected by a scan pass.
type Instrument struct {
	Symbol     quote.Symbol
	Liquidity  float64
	Volume24h  float64
	Spread     float64
	BestBid    float64
	BestAsk    float64
	Score      float64
}

// ScanResult contains instruments ranked by opportunity quality.
type ScanResult struct {
	Instruments []Instrument
	ScannedAt   time.Time
}

// Scanner periodically polls the venue for wide-spread, liquid instruments.
type Scanner struct {
	httpClient *resty.Client
	cfg        config.ScannerConfig
	maxActive  int
	logger     *slog.Logger
	resultCh   chan ScanResult
}

// NewScanner creates an instrument scanner.
func NewScanner(cfg config.Config, logger *slog.Logger) *Scanner {
	client := resty.New().
		SetBaseURL(cfg.API.RESTBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Scanner{
		httpClient: client,
		cfg:        cfg.Scanner,
		maxActive:  cfg.Scanner.MaxActiveSymbols,
		logger:     logger.With("component", "scanner"),
		resultCh:   make(chan ScanResult, 1),
	}
}

// Results returns the channel the controller reads from.
func (s *Scanner) Results() <-chan ScanResult {
	return s.resultCh
}

// Run starts the polling loop. Blocks until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	instruments, err := s.fetchInstruments(ctx)
	if err != nil {
		s.logger.Error("scan failed", "error", err)
		return
	}

	filtered := s.filterInstruments(instruments)
	ranked := s.rankInstruments(filtered)

	dropped := 0
	if s.maxActive > 0 && len(ranked) > s.maxActive {
		dropped = len(ranked) - s.maxActive
		ranked = ranked[:s.maxActive]
	}

	result := ScanResult{Instruments: ranked, ScannedAt: time.Now()}

	s.logger.Info("scan complete",
		"total", len(instruments),
		"filtered", len(filtered),
		"selected", len(ranked),
		"dropped_by_cap", dropped,
	)

	select {
	case s.resultCh <- result:
	default:
		select {
		case <-s.resultCh:
		default:
		}
		s.resultCh <- result
	}
}

func (s *Scanner) fetchInstruments(ctx context.Context) ([]instrumentWire, error) {
	var instruments []instrumentWire
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetResult(&instruments).
		Get("/instruments")
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch instruments: status %d", resp.StatusCode())
	}
	return instruments, nil
}

// filterInstruments applies hard filters to eliminate unsuitable instruments:
// inactive, not tradeable, excluded/included by symbol or keyword,
// insufficient liquidity/volume/spread.
func (s *Scanner) filterInstruments(instruments []instrumentWire) []instrumentWire {
	excluded := toLowerSet(s.cfg.ExcludeSymbols)
	included := toLowerSet(s.cfg.IncludeSymbols)
	includeKeywords := toLowerSlice(s.cfg.IncludeKeywords)
	excludeKeywords := toLowerSlice(s.cfg.ExcludeKeywords)
	hasIncludeFilter := len(included) > 0 || len(includeKeywords) > 0

	var result []instrumentWire
	for _, in := range instruments {
		if !in.Active || !in.Tradeable {
			continue
		}

		symLower := strings.ToLower(in.Symbol)

		if hasIncludeFilter {
			matched := included[symLower]
			if !matched {
				for _, kw := range includeKeywords {
					if strings.Contains(symLower, kw) {
						matched = true
						break
					}
				}
			}
			if !matched {
				continue
			}
		}

		if excluded[symLower] {
			continue
		}
		excludedByKeyword := false
		for _, kw := range excludeKeywords {
			if strings.Contains(symLower, kw) {
				excludedByKeyword = true
				break
			}
		}
		if excludedByKeyword {
			continue
		}

		if in.Liquidity < s.cfg.MinLiquidity {
			continue
		}
		if in.Volume24h < s.cfg.MinVolume24h {
			continue
		}
		if in.Spread < s.cfg.MinSpread {
			continue
		}
		if in.TickSize == "" || in.LotStep == "" {
			continue
		}

		result = append(result, in)
	}

	return result
}

// rankInstruments scores and sorts instruments by opportunity quality.
// score = spread * sqrt(volume24h) * liquidityFactor, where liquidityFactor
// is capped at 1.0 (10k notional of liquidity saturates the bonus).
func (s *Scanner) rankInstruments(instruments []instrumentWire) []Instrument {
	result := make([]Instrument, 0, len(instruments))
	for _, in := range instruments {
		liquidityFactor := math.Min(in.Liquidity/10000.0, 1.0)
		score := in.Spread * math.Sqrt(math.Max(in.Volume24h, 0)) * liquidityFactor

		sym, err := instrumentToSymbol(in)
		if err != nil {
			s.logger.Warn("skipping instrument with unparseable filters", "symbol", in.Symbol, "error", err)
			continue
		}

		result = append(result, Instrument{
			Symbol:    sym,
			Liquidity: in.Liquidity,
			Volume24h: in.Volume24h,
			Spread:    in.Spread,
			BestBid:   in.BestBid,
			BestAsk:   in.BestAsk,
			Score:     score,
		})
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Score > result[j].Score })
	return result
}

func instrumentToSymbol(in instrumentWire) (quote.Symbol, error) {
	tick, err := decimal.NewFromString(in.TickSize)
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("parse tick_size: %w", err)
	}
	lot, err := decimal.NewFromString(in.LotStep)
	if err != nil {
		return quote.Symbol{}, fmt.Errorf("parse lot_step: %w", err)
	}
	minNotional := decimal.Zero
	if in.MinNotional != "" {
		minNotional, err = decimal.NewFromString(in.MinNotional)
		if err != nil {
			return quote.Symbol{}, fmt.Errorf("parse min_notional: %w", err)
		}
	}
	return quote.Symbol{
		Name:        in.Symbol,
		TickSize:    tick,
		LotStep:     lot,
		MinNotional: minNotional,
	}, nil
}

func toLowerSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = true
		}
	}
	return set
}

func toLowerSlice(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
