// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	API       APIConfig       `mapstructure:"api"`
	Stoikov   StoikovConfig   `mapstructure:"stoikov"`
	Patient   PatientConfig   `mapstructure:"patient"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Scanner   ScannerConfig   `mapstructure:"scanner"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 HMAC credentials.
// FunderAddress is the on-chain account that funds orders (may differ from
// the signer if trading through a proxy/vault contract).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds venue endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the bot derives them via L1 auth on startup.
type APIConfig struct {
	RESTBaseURL string          `mapstructure:"rest_base_url"`
	WSMarketURL string          `mapstructure:"ws_market_url"`
	WSUserURL   string          `mapstructure:"ws_user_url"`
	ApiKey      string          `mapstructure:"api_key"`
	Secret      string          `mapstructure:"secret"`
	Passphrase  string          `mapstructure:"passphrase"`
	RateLimits  RateLimitConfig `mapstructure:"rate_limits"`
}

// RateLimitConfig sets the per-category token-bucket limits the venue
// publishes for its trading API. Capacity is the burst allowance, rate is
// the steady-state refill in requests/sec.
type RateLimitConfig struct {
	OrderBurst  float64 `mapstructure:"order_burst"`
	OrderRate   float64 `mapstructure:"order_rate"`
	CancelBurst float64 `mapstructure:"cancel_burst"`
	CancelRate  float64 `mapstructure:"cancel_rate"`
	BookBurst   float64 `mapstructure:"book_burst"`
	BookRate    float64 `mapstructure:"book_rate"`
}

// StoikovConfig tunes the Avellaneda-Stoikov reservation-price/optimal-spread
// model and the estimators that feed it.
//
//   - Gamma: risk aversion parameter. Higher = tighter spread, less inventory risk.
//   - SigmaWindow: number of squared returns averaged to seed the EWMA volatility
//     estimator before decay takes over.
//   - SigmaLambda: EWMA decay factor in (0, 1), closer to 1 = slower decay.
//   - T: time horizon in years; checked by Validate but not used by the spread formula.
//   - MinSpreadBps / MaxSpreadBps: floor and ceiling on the full quoted spread, in
//     bps of mid (half of each bound applies per side).
//   - AlphaSizeRatio: fraction of OrderSizeBase quoted before inventory shrink/skew.
//   - PostOnlyOffset: multiple of tick size used as a minimum full quoted spread
//     (or 0.3x the market spread, if larger); half of it applies per side.
//   - MicropriceBias: use microprice rather than mid as the reservation-price anchor.
//   - MicropriceLevels: number of top-of-book levels aggregated into microprice.
//   - LadderLevels: number of price levels quoted per side.
//   - LadderSizeDecay: per-level size multiplier moving away from the reservation price.
//   - OrderSizeBase: base order size in base units, scaled by AlphaSizeRatio and
//     the inventory shrink/skew, then divided across LadderLevels.
//   - RefreshInterval: how often to recompute and reconcile quotes.
//   - StaleBookTimeout: cancel all orders if no book update arrives within this window.
//   - IntensityWindow: rolling window used to estimate trade arrival intensity (k = count/window).
//   - RegimeVolThresholds: [calm, normal, stressed] annualized-vol breakpoints
//     used to select the regime multiplier applied to the base spread.
//   - RegimeMultipliers: spread multiplier for each regime in RegimeVolThresholds.
//   - SessionFactors: time-of-day spread multipliers keyed by UTC hour-of-day bucket.
type StoikovConfig struct {
	Gamma               float64            `mapstructure:"gamma"`
	SigmaWindow         int                `mapstructure:"sigma_window"`
	SigmaLambda         float64            `mapstructure:"sigma_lambda"`
	T                   float64            `mapstructure:"t"`
	MinSpreadBps        float64            `mapstructure:"min_spread_bps"`
	MaxSpreadBps        float64            `mapstructure:"max_spread_bps"`
	AlphaSizeRatio      float64            `mapstructure:"alpha_size_ratio"`
	PostOnlyOffset      float64            `mapstructure:"post_only_offset"`
	MicropriceBias      bool               `mapstructure:"microprice_bias"`
	MicropriceLevels    int                `mapstructure:"microprice_levels"`
	LadderLevels        int                `mapstructure:"ladder_levels"`
	LadderSizeDecay     float64            `mapstructure:"ladder_size_decay"`
	OrderSizeBase       float64            `mapstructure:"order_size_base"`
	RefreshInterval     time.Duration      `mapstructure:"refresh_interval"`
	StaleBookTimeout    time.Duration      `mapstructure:"stale_book_timeout"`
	IntensityWindow     time.Duration      `mapstructure:"intensity_window"`
	RegimeVolThresholds []float64          `mapstructure:"regime_vol_thresholds"`
	RegimeMultipliers   []float64          `mapstructure:"regime_multipliers"`
	SessionFactors      map[string]float64 `mapstructure:"session_factors"`

	// Toxic flow detection, carried from the teacher's flow tracker.
	FlowWindow              time.Duration `mapstructure:"flow_window"`
	FlowToxicityThreshold   float64       `mapstructure:"flow_toxicity_threshold"`
	FlowCooldownPeriod      time.Duration `mapstructure:"flow_cooldown_period"`
	FlowMaxSpreadMultiplier float64       `mapstructure:"flow_max_spread_multiplier"`
}

// ExecutionConfig tunes the execution engine's order-lifecycle state machine.
//
//   - OrderTTL: max time a resting order may go unfilled before forced refresh.
//   - RepostInterval: minimum spacing enforced between reposts of the same level.
//   - MaxRetries: placement attempts permitted after the initial rejection before
//     an order is dropped into the terminal Error state.
//   - RetryBackoffBase: backoff unit; the nth retry waits RetryBackoffBase*n.
//   - CooldownDuration: time the engine refuses to reconcile after a flatten.
type ExecutionConfig struct {
	OrderTTL         time.Duration `mapstructure:"order_ttl"`
	RepostInterval   time.Duration `mapstructure:"repost_interval"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	CooldownDuration time.Duration `mapstructure:"cooldown_duration"`
}

// PatientConfig tunes the patient event detector variant.
//
//   - TopN: how many levels deep a quote may fall before a topNExit fires.
//   - QueueAheadMaxNotional: cancel-replace if resting notional ahead of us exceeds this.
//   - DriftTriggerBps: reprice if mid drifts this many bps from the price at post time.
//   - LevelTTL: max time a single ladder level may rest unfilled before forced refresh.
//   - SessionTTL: max time an entire quote session may live before a full refresh.
//   - MinRequoteInterval: minimum spacing enforced between repost actions (anti-flap).
//   - JitterMaxMs: random jitter added to requote timing to avoid thundering-herd reposts.
type PatientConfig struct {
	TopN                  int           `mapstructure:"top_n"`
	QueueAheadMaxNotional float64       `mapstructure:"queue_ahead_max_notional"`
	DriftTriggerBps       float64       `mapstructure:"drift_trigger_bps"`
	LevelTTL              time.Duration `mapstructure:"level_ttl"`
	SessionTTL            time.Duration `mapstructure:"session_ttl"`
	MinRequoteInterval    time.Duration `mapstructure:"min_requote_interval"`
	JitterMaxMs           int           `mapstructure:"jitter_max_ms"`
}

// RiskConfig sets the multi-layered limit table enforced by the Risk Manager.
type RiskConfig struct {
	MaxInventoryPct      float64       `mapstructure:"max_inventory_pct"`
	DriftCutBps          float64       `mapstructure:"drift_cut_bps"`
	SessionDDLimitPct    float64       `mapstructure:"session_dd_limit_pct"`
	DailyDDLimitPct      float64       `mapstructure:"daily_dd_limit_pct"`
	MaxConsecutiveFails  int           `mapstructure:"max_consecutive_fails"`
	MaxOrdersPerSecond   float64       `mapstructure:"max_orders_per_second"`
	MaxSpreadMultiplier  float64       `mapstructure:"max_spread_multiplier"`
	VolSpikeThresholdPct float64       `mapstructure:"vol_spike_threshold_pct"`
	VolSpikeCooldownMs   int64         `mapstructure:"vol_spike_cooldown_ms"`
	WarningFractionPct   float64       `mapstructure:"warning_fraction_pct"`
	CooldownAfterKill    time.Duration `mapstructure:"cooldown_after_kill"`
	MaxPositionPerSymbol float64       `mapstructure:"max_position_per_symbol"`
	StartingNAV          float64       `mapstructure:"starting_nav"`
}

// ScannerConfig controls how the bot discovers and ranks tradeable instruments.
// The scanner polls the venue's instrument listing and ranks candidates by
// opportunity score: score = spread * sqrt(volume24h) * min(liquidity/10000, 1).
type ScannerConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MinLiquidity     float64       `mapstructure:"min_liquidity"`
	MinVolume24h     float64       `mapstructure:"min_volume_24h"`
	MinSpread        float64       `mapstructure:"min_spread"`
	ExcludeSymbols   []string      `mapstructure:"exclude_symbols"`
	IncludeSymbols   []string      `mapstructure:"include_symbols"`
	IncludeKeywords  []string      `mapstructure:"include_keywords"`
	ExcludeKeywords  []string      `mapstructure:"exclude_keywords"`
	MaxActiveSymbols int           `mapstructure:"max_active_symbols"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MM_PRIVATE_KEY, MM_API_KEY, MM_API_SECRET, MM_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("MM_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MM_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("MM_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("MM_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("MM_DRY_RUN") == "true" || os.Getenv("MM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and the parameter ranges spec §4.2
// mandates for the Stoikov engine, the patient detector, and the risk table.
func (c *Config) Validate() error {
	if c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set MM_PRIVATE_KEY)")
	}
	if c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (MULTISIG)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.RESTBaseURL == "" {
		return fmt.Errorf("api.rest_base_url is required")
	}
	if c.API.RateLimits.OrderBurst <= 0 || c.API.RateLimits.OrderRate <= 0 {
		return fmt.Errorf("api.rate_limits.order_burst and order_rate must be > 0")
	}
	if c.API.RateLimits.CancelBurst <= 0 || c.API.RateLimits.CancelRate <= 0 {
		return fmt.Errorf("api.rate_limits.cancel_burst and cancel_rate must be > 0")
	}
	if c.API.RateLimits.BookBurst <= 0 || c.API.RateLimits.BookRate <= 0 {
		return fmt.Errorf("api.rate_limits.book_burst and book_rate must be > 0")
	}

	if c.Stoikov.Gamma <= 0 || c.Stoikov.Gamma > 5 {
		return fmt.Errorf("stoikov.gamma must be in (0, 5]")
	}
	if c.Stoikov.T <= 0 {
		return fmt.Errorf("stoikov.t must be > 0")
	}
	if c.Stoikov.AlphaSizeRatio <= 0 {
		return fmt.Errorf("stoikov.alpha_size_ratio must be > 0")
	}
	if c.Stoikov.PostOnlyOffset <= 0 {
		return fmt.Errorf("stoikov.post_only_offset must be > 0")
	}
	if c.Stoikov.MicropriceLevels <= 0 {
		return fmt.Errorf("stoikov.microprice_levels must be > 0")
	}
	if c.Stoikov.IntensityWindow <= 0 {
		return fmt.Errorf("stoikov.intensity_window must be > 0")
	}
	if c.Stoikov.SigmaWindow < 2 {
		return fmt.Errorf("stoikov.sigma_window must be >= 2")
	}
	if c.Stoikov.SigmaLambda <= 0 || c.Stoikov.SigmaLambda >= 1 {
		return fmt.Errorf("stoikov.sigma_lambda must be in (0, 1)")
	}
	if c.Stoikov.OrderSizeBase <= 0 {
		return fmt.Errorf("stoikov.order_size_base must be > 0")
	}
	if c.Stoikov.LadderLevels <= 0 {
		return fmt.Errorf("stoikov.ladder_levels must be > 0")
	}
	if c.Stoikov.MinSpreadBps < 0 {
		return fmt.Errorf("stoikov.min_spread_bps must be >= 0")
	}
	if c.Stoikov.MaxSpreadBps <= c.Stoikov.MinSpreadBps {
		return fmt.Errorf("stoikov.max_spread_bps must be > min_spread_bps")
	}
	if len(c.Stoikov.RegimeVolThresholds) != len(c.Stoikov.RegimeMultipliers) {
		return fmt.Errorf("stoikov.regime_vol_thresholds and regime_multipliers must have matching length")
	}

	if c.Patient.TopN <= 0 {
		return fmt.Errorf("patient.top_n must be > 0")
	}
	if c.Patient.LevelTTL <= 0 {
		return fmt.Errorf("patient.level_ttl must be > 0")
	}
	if c.Patient.SessionTTL <= c.Patient.LevelTTL {
		return fmt.Errorf("patient.session_ttl must be > level_ttl")
	}

	if c.Execution.OrderTTL < 100*time.Millisecond || c.Execution.OrderTTL > 5*time.Second {
		return fmt.Errorf("execution.order_ttl must be in [100ms, 5s]")
	}
	if c.Execution.RepostInterval < 50*time.Millisecond || c.Execution.RepostInterval > time.Second {
		return fmt.Errorf("execution.repost_interval must be in [50ms, 1s]")
	}
	if c.Execution.MaxRetries <= 0 {
		return fmt.Errorf("execution.max_retries must be > 0")
	}
	if c.Execution.RetryBackoffBase <= 0 {
		return fmt.Errorf("execution.retry_backoff_base must be > 0")
	}
	if c.Execution.CooldownDuration <= 0 {
		return fmt.Errorf("execution.cooldown_duration must be > 0")
	}

	if c.Risk.MaxInventoryPct <= 0 || c.Risk.MaxInventoryPct > 50 {
		return fmt.Errorf("risk.max_inventory_pct must be in (0, 50]")
	}
	if c.Risk.SessionDDLimitPct <= 0 {
		return fmt.Errorf("risk.session_dd_limit_pct must be > 0")
	}
	if c.Risk.DailyDDLimitPct <= 0 {
		return fmt.Errorf("risk.daily_dd_limit_pct must be > 0")
	}
	if c.Risk.MaxConsecutiveFails <= 0 {
		return fmt.Errorf("risk.max_consecutive_fails must be > 0")
	}
	if c.Risk.MaxOrdersPerSecond <= 0 {
		return fmt.Errorf("risk.max_orders_per_second must be > 0")
	}
	if c.Risk.WarningFractionPct <= 0 || c.Risk.WarningFractionPct >= 100 {
		return fmt.Errorf("risk.warning_fraction_pct must be in (0, 100)")
	}
	if c.Risk.MaxPositionPerSymbol <= 0 {
		return fmt.Errorf("risk.max_position_per_symbol must be > 0")
	}
	if c.Risk.StartingNAV <= 0 {
		return fmt.Errorf("risk.starting_nav must be > 0")
	}

	if c.Scanner.MaxActiveSymbols <= 0 {
		return fmt.Errorf("scanner.max_active_symbols must be > 0")
	}
	if c.Scanner.PollInterval <= 0 {
		return fmt.Errorf("scanner.poll_interval must be > 0")
	}
	return nil
}
