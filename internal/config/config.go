package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. All fields have explicit
// defaults; Load validates the merged result before it is published.
type Config struct {
	Market    MarketConfig    `yaml:"market"`
	Risk      RiskConfig      `yaml:"risk"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Execution ExecutionConfig `yaml:"execution"`
	Venues    []VenueConfig   `yaml:"venues"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// MarketConfig controls the market state aggregator.
type MarketConfig struct {
	FreshnessWindow    time.Duration `yaml:"freshness_window"`    // snapshot older than this is stale
	DepthLevels        int           `yaml:"depth_levels"`        // levels used for imbalance/depth
	ArbGapBps          float64       `yaml:"arb_gap_bps"`         // cross-venue gap flag threshold
	VolatilityHalflife time.Duration `yaml:"volatility_halflife"` // EWMA halflife for realized vol
	ReconnectBase      time.Duration `yaml:"reconnect_base"`      // feed reconnect backoff base
	ReconnectMax       time.Duration `yaml:"reconnect_max"`       // feed reconnect backoff cap
	NotifyBuffer       int           `yaml:"notify_buffer"`       // per-subscriber fan-out buffer
}

// RiskConfig holds portfolio and trade tier thresholds.
type RiskConfig struct {
	MaxDailyDrawdownPct float64 `yaml:"max_daily_drawdown_pct"` // e.g. 0.05
	MaxTotalDrawdownPct float64 `yaml:"max_total_drawdown_pct"` // e.g. 0.20
	MaxCorrelation      float64 `yaml:"max_correlation"`        // avg pairwise ceiling
	VaRBudgetPct        float64 `yaml:"var_budget_pct"`         // portfolio VaR budget as equity fraction
	LiquidationBuffer   float64 `yaml:"liquidation_buffer"`     // |entry-stop| < buffer*|entry-liq|
	MaxEquityFraction   float64 `yaml:"max_equity_fraction"`    // hard cap per trade
	TargetRiskPerTrade  float64 `yaml:"target_risk_per_trade"`  // inverse-volatility sizing target
	DrawdownSuppression struct {
		TriggerPct float64 `yaml:"trigger_pct"` // suppress when current DD above this
		Factor     float64 `yaml:"factor"`      // size multiplier while suppressed
	} `yaml:"drawdown_suppression"`
	Regimes map[string]RegimePolicy `yaml:"regimes"`
}

// RegimePolicy is one row of the regime policy table.
type RegimePolicy struct {
	SizeMultiplier float64 `yaml:"size_multiplier"`
	MaxLeverage    float64 `yaml:"max_leverage"`
	StopATRMult    float64 `yaml:"stop_atr_mult"`
}

// BreakerConfig controls the system-tier circuit breaker.
type BreakerConfig struct {
	Cooldown         time.Duration `yaml:"cooldown"`
	VolThreshold     float64       `yaml:"vol_threshold"`     // baseline realized vol trip level
	VolAdaptFactor   float64       `yaml:"vol_adapt_factor"`  // multiple of long-run vol that trips
	StalenessLimit   time.Duration `yaml:"staleness_limit"`   // feed staleness trip level
	FlattenOnTrip    bool          `yaml:"flatten_on_trip"`   // cancel open orders on trip
	EvaluateInterval time.Duration `yaml:"evaluate_interval"` // periodic tick
}

// ExecutionConfig controls the order execution engine.
type ExecutionConfig struct {
	Timeout            time.Duration `yaml:"timeout"`              // per-execution default deadline
	MaxRepricePerSec   float64       `yaml:"max_reprice_per_sec"`  // chase reprice rate cap
	ChaseOffsetBps     float64       `yaml:"chase_offset_bps"`     // resting offset from best price
	MaxDriftBps        float64       `yaml:"max_drift_bps"`        // drift from reference before fallback
	DriftFallback      string        `yaml:"drift_fallback"`       // "market" or "abort"
	SpreadChangeBps    float64       `yaml:"spread_change_bps"`    // material change => re-check gate
	SliceCount         int           `yaml:"slice_count"`          // children for sliced execution
	SliceInterval      time.Duration `yaml:"slice_interval"`       // spacing between children
	SliceAboveNotional float64       `yaml:"slice_above_notional"` // notional above which normal-urgency orders slice
	MaxRetryAttempts   int           `yaml:"max_retry_attempts"`   // exchange rejection retries
	RetryBackoffBase   time.Duration `yaml:"retry_backoff_base"`
	PollInterval       time.Duration `yaml:"poll_interval"` // order status poll cadence
}

// VenueConfig identifies one exchange connection.
type VenueConfig struct {
	Name      string   `yaml:"name"`
	WSURL     string   `yaml:"ws_url"`
	RESTURL   string   `yaml:"rest_url"`
	Symbols   []string `yaml:"symbols"`
	RESTRps   float64  `yaml:"rest_rps"`
	RESTBurst int      `yaml:"rest_burst"`
}

// HTTPConfig controls the ops HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the production-ready default configuration.
func Default() *Config {
	cfg := &Config{
		Market: MarketConfig{
			FreshnessWindow:    5 * time.Second,
			DepthLevels:        10,
			ArbGapBps:          20.0,
			VolatilityHalflife: 5 * time.Minute,
			ReconnectBase:      500 * time.Millisecond,
			ReconnectMax:       30 * time.Second,
			NotifyBuffer:       256,
		},
		Risk: RiskConfig{
			MaxDailyDrawdownPct: 0.05,
			MaxTotalDrawdownPct: 0.20,
			MaxCorrelation:      0.70,
			VaRBudgetPct:        0.10,
			LiquidationBuffer:   0.80,
			MaxEquityFraction:   0.20,
			TargetRiskPerTrade:  0.01,
			Regimes: map[string]RegimePolicy{
				"trending":        {SizeMultiplier: 1.00, MaxLeverage: 3, StopATRMult: 2.0},
				"ranging":         {SizeMultiplier: 0.80, MaxLeverage: 1, StopATRMult: 1.5},
				"high_volatility": {SizeMultiplier: 0.50, MaxLeverage: 1, StopATRMult: 3.0},
				"noise":           {SizeMultiplier: 0.00, MaxLeverage: 0, StopATRMult: 0},
			},
		},
		Breaker: BreakerConfig{
			Cooldown:         15 * time.Minute,
			VolThreshold:     0.08,
			VolAdaptFactor:   3.0,
			StalenessLimit:   30 * time.Second,
			FlattenOnTrip:    true,
			EvaluateInterval: 1 * time.Second,
		},
		Execution: ExecutionConfig{
			Timeout:            60 * time.Second,
			MaxRepricePerSec:   4.0,
			ChaseOffsetBps:     1.0,
			MaxDriftBps:        50.0,
			DriftFallback:      "market",
			SpreadChangeBps:    10.0,
			SliceCount:         5,
			SliceInterval:      5 * time.Second,
			SliceAboveNotional: 50_000,
			MaxRetryAttempts:   3,
			RetryBackoffBase:   250 * time.Millisecond,
			PollInterval:       200 * time.Millisecond,
		},
		HTTP: HTTPConfig{Addr: ":8087"},
	}
	cfg.Risk.DrawdownSuppression.TriggerPct = 0.05
	cfg.Risk.DrawdownSuppression.Factor = 0.5
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
// An empty path returns validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would be unsafe to run.
func (c *Config) Validate() error {
	if c.Market.FreshnessWindow <= 0 {
		return fmt.Errorf("market.freshness_window must be positive")
	}
	if c.Market.DepthLevels <= 0 {
		return fmt.Errorf("market.depth_levels must be positive")
	}
	if c.Risk.MaxCorrelation <= 0 || c.Risk.MaxCorrelation > 1 {
		return fmt.Errorf("risk.max_correlation %.2f out of (0,1]", c.Risk.MaxCorrelation)
	}
	if c.Risk.LiquidationBuffer <= 0 || c.Risk.LiquidationBuffer >= 1 {
		return fmt.Errorf("risk.liquidation_buffer %.2f out of (0,1)", c.Risk.LiquidationBuffer)
	}
	if c.Risk.MaxEquityFraction <= 0 || c.Risk.MaxEquityFraction > 1 {
		return fmt.Errorf("risk.max_equity_fraction %.2f out of (0,1]", c.Risk.MaxEquityFraction)
	}
	if c.Risk.MaxDailyDrawdownPct <= 0 || c.Risk.MaxTotalDrawdownPct <= 0 {
		return fmt.Errorf("risk drawdown limits must be positive")
	}
	for name, rp := range c.Risk.Regimes {
		if rp.SizeMultiplier < 0 || rp.SizeMultiplier > 1 {
			return fmt.Errorf("risk.regimes.%s.size_multiplier %.2f out of [0,1]", name, rp.SizeMultiplier)
		}
		if rp.MaxLeverage < 0 {
			return fmt.Errorf("risk.regimes.%s.max_leverage negative", name)
		}
	}
	if c.Execution.MaxRepricePerSec <= 0 {
		return fmt.Errorf("execution.max_reprice_per_sec must be positive")
	}
	if c.Execution.Timeout <= 0 {
		return fmt.Errorf("execution.timeout must be positive")
	}
	switch c.Execution.DriftFallback {
	case "market", "abort":
	default:
		return fmt.Errorf("execution.drift_fallback %q must be market or abort", c.Execution.DriftFallback)
	}
	if c.Execution.SliceCount < 1 {
		return fmt.Errorf("execution.slice_count must be >= 1")
	}
	for _, v := range c.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue with empty name")
		}
	}
	return nil
}

// RegimePolicyFor looks up the policy row for a regime label. Unknown
// labels fall back to the high-volatility profile (conservative).
func (c *Config) RegimePolicyFor(regime string) (RegimePolicy, bool) {
	if rp, ok := c.Risk.Regimes[regime]; ok {
		return rp, true
	}
	rp, ok := c.Risk.Regimes["high_volatility"]
	return rp, ok
}
