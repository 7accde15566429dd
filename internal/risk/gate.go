package risk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/metrics"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/portfolio"
)

// SnapshotSource is the slice of the market aggregator the gate needs.
type SnapshotSource interface {
	GetSnapshot(symbol string) (market.Snapshot, error)
}

// Gate runs the three risk tiers in order: system breaker, portfolio
// constraints, per-trade constraints. The scale in the verdict is
// monotone non-increasing across tiers; a later tier can only shrink
// what an earlier tier allowed.
type Gate struct {
	cfg       func() *config.Config
	breaker   *CircuitBreaker
	portfolio *portfolio.Store
	market    SnapshotSource
}

// NewGate assembles the gate from its tiers and data sources.
func NewGate(cfg func() *config.Config, breaker *CircuitBreaker, pf *portfolio.Store, src SnapshotSource) *Gate {
	return &Gate{cfg: cfg, breaker: breaker, portfolio: pf, market: src}
}

// Breaker exposes the system tier for status queries and executor
// revocation checks.
func (g *Gate) Breaker() *CircuitBreaker { return g.breaker }

// Halted reports whether the system tier currently blocks new risk.
// Executors poll this every reprice cycle so a trip revokes in-flight
// approvals within one cycle.
func (g *Gate) Halted() bool { return g.breaker.Tripped() }

// Evaluate runs the intent through all three tiers and returns the
// verdict. A rejection is a normal verdict, not an error; the error
// return is reserved for malformed intents and missing market data.
func (g *Gate) Evaluate(intent model.TradeIntent) (Verdict, error) {
	if err := intent.Validate(); err != nil {
		return Verdict{}, err
	}
	now := time.Now()
	if intent.Expired(now) {
		v := reject(intent.ID, Check{
			Name: "deadline", Tier: TierTrade, OK: false, Reason: "intent deadline passed",
		}, nil)
		metrics.GateVerdicts.WithLabelValues(string(TierTrade), "rejected").Inc()
		return v, nil
	}
	cfg := g.cfg()

	// System tier. Flat intents pass a tripped breaker: flattening
	// exposure is exactly what a tripped breaker wants.
	var checks []Check
	if g.breaker.Tripped() && intent.Side != model.SideFlat {
		c := Check{Name: "circuit_breaker", Tier: TierSystem, OK: false, Reason: "circuit_breaker"}
		v := reject(intent.ID, c, append(checks, c))
		metrics.GateVerdicts.WithLabelValues(string(TierSystem), "rejected").Inc()
		log.Warn().Str("intent", intent.ID).Str("symbol", intent.Symbol).
			Msg("intent rejected: circuit breaker open")
		return v, nil
	}
	checks = append(checks, Check{
		Name: "circuit_breaker", Tier: TierSystem, OK: true, Reason: "breaker closed",
	})

	// Evaluations never run on stale data: the caller retries once the
	// instrument is fresh again.
	snap, err := g.market.GetSnapshot(intent.Symbol)
	if err != nil {
		if errors.Is(err, market.ErrStaleData) {
			metrics.StaleReads.WithLabelValues(intent.Symbol).Inc()
		}
		return Verdict{}, fmt.Errorf("gate: %w", err)
	}

	state := g.portfolio.Read()
	notional := resolveNotional(intent, state.Equity)

	scale := 1.0
	pChecks, pScale, pFailed := portfolioTier(cfg, intent, state, notional, g.volOf(snap))
	checks = append(checks, pChecks...)
	if pFailed != nil {
		metrics.GateVerdicts.WithLabelValues(string(TierPortfolio), "rejected").Inc()
		return reject(intent.ID, *pFailed, checks), nil
	}
	scale = math.Min(scale, pScale)

	tChecks, tScale, leverage, tFailed := tradeTier(cfg, intent, snap, state, notional)
	checks = append(checks, tChecks...)
	if tFailed != nil {
		metrics.GateVerdicts.WithLabelValues(string(TierTrade), "rejected").Inc()
		return reject(intent.ID, *tFailed, checks), nil
	}
	scale = math.Min(scale, tScale)

	metrics.GateVerdicts.WithLabelValues(string(TierTrade), "approved").Inc()
	return Verdict{
		IntentID: intent.ID,
		Approved: true,
		Scale:    scale,
		Leverage: leverage,
		Notional: notional * scale,
		Reason:   "approved",
		Checks:   checks,
		IssuedAt: now,
		TTL:      cfg.Market.FreshnessWindow,
	}, nil
}

// volOf resolves a symbol's realized volatility for VaR, falling back to
// the intent instrument's volatility when a held symbol has no snapshot.
func (g *Gate) volOf(fallback market.Snapshot) func(string) float64 {
	return func(symbol string) float64 {
		snap, err := g.market.GetSnapshot(symbol)
		if err != nil || snap.Volatility <= 0 {
			return fallback.Volatility
		}
		return snap.Volatility
	}
}

// resolveNotional turns the intent's size request into quote currency.
func resolveNotional(intent model.TradeIntent, equity float64) float64 {
	if intent.Notional > 0 {
		return intent.Notional
	}
	if intent.EquityFraction > 0 {
		return intent.EquityFraction * equity
	}
	return 0
}

// Status is the consolidated answer to a risk-status query.
type Status struct {
	Breaker        BreakerStatus      `json:"breaker"`
	Equity         float64            `json:"equity"`
	DailyDrawdown  float64            `json:"daily_drawdown"`
	TotalDrawdown  float64            `json:"total_drawdown"`
	LeverageInUse  float64            `json:"leverage_in_use"`
	OpenPositions  int                `json:"open_positions"`
	AvgCorrelation float64            `json:"avg_correlation"`
	VaRUsed        float64            `json:"var_used"`
	VaRBudget      float64            `json:"var_budget"`
	TargetWeights  map[string]float64 `json:"target_weights,omitempty"`
	AsOf           time.Time          `json:"as_of"`
}

// RiskStatus summarizes breaker and portfolio state for operators.
func (g *Gate) RiskStatus() Status {
	cfg := g.cfg()
	state := g.portfolio.Read()

	var used float64
	for sym, pos := range state.Positions {
		snap, err := g.market.GetSnapshot(sym)
		vol := 0.0
		if err == nil {
			vol = snap.Volatility
		}
		used += portfolio.PositionVaR(pos.Notional(), vol)
	}

	return Status{
		Breaker:        g.breaker.Status(),
		Equity:         state.Equity,
		DailyDrawdown:  state.DailyDrawdown(),
		TotalDrawdown:  state.TotalDrawdown(),
		LeverageInUse:  state.LeverageInUse,
		OpenPositions:  len(state.Positions),
		AvgCorrelation: state.Correlations.AvgPairwiseCorrelation(state.HeldSymbols()),
		VaRUsed:        used,
		VaRBudget:      cfg.Risk.VaRBudgetPct * state.Equity,
		TargetWeights:  state.TargetWeights,
		AsOf:           time.Now(),
	}
}
