package risk

import (
	"fmt"
	"math"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/portfolio"
)

// tradeTier evaluates per-trade constraints: the regime policy table,
// the liquidation distance guard, volatility-targeted sizing, drawdown
// suppression, and the per-trade equity fraction cap.
//
// Returns the checks, the surviving scale, the (possibly reduced)
// leverage, and the failing check when the intent must be rejected.
func tradeTier(cfg *config.Config, intent model.TradeIntent, snap market.Snapshot, state portfolio.State, notional float64) (checks []Check, scale, leverage float64, failed *Check) {
	scale = 1.0
	leverage = intent.Leverage
	if leverage < 1 {
		leverage = 1
	}
	if intent.Side == model.SideFlat {
		checks = append(checks, Check{
			Name: "risk_reducing", Tier: TierTrade, OK: true,
			Reason: "flat intent reduces exposure, trade checks skipped",
		})
		return checks, scale, leverage, nil
	}

	// Regime policy row. Noise is never traded; unknown regimes fall back
	// to the high-volatility profile.
	policy, _ := cfg.RegimePolicyFor(string(intent.Regime))
	if intent.Regime == model.RegimeNoise || policy.SizeMultiplier <= 0 {
		c := Check{
			Name: "regime_policy", Tier: TierTrade, OK: false,
			Reason: fmt.Sprintf("regime=%s", intent.Regime),
		}
		checks = append(checks, c)
		return checks, 0, leverage, &c
	}
	checks = append(checks, Check{
		Name: "regime_policy", Tier: TierTrade, OK: true,
		Value: policy.SizeMultiplier,
		Reason: fmt.Sprintf("regime %s: size x%.2f, max leverage %.0fx, stop %.1f ATR",
			intent.Regime, policy.SizeMultiplier, policy.MaxLeverage, policy.StopATRMult),
	})
	scale *= policy.SizeMultiplier

	entry := snap.Mid
	if intent.LimitPrice > 0 {
		entry = intent.LimitPrice
	}

	// Liquidation guard, evaluated against the REQUESTED leverage: a stop
	// sitting outside the buffered liquidation distance means the venue
	// would liquidate before the stop fires. Only leveraged trades have a
	// liquidation price to guard against.
	if leverage > 1 && entry > 0 {
		stop := intent.StopPrice
		if stop <= 0 && snap.Volatility > 0 {
			stopDist := policy.StopATRMult * snap.Volatility * entry
			if intent.Side == model.SideShort {
				stop = entry + stopDist
			} else {
				stop = entry - stopDist
			}
		}
		if stop > 0 {
			stopDist := math.Abs(entry - stop)
			liqDist := entry / leverage // linear approximation
			c := Check{
				Name: "liquidation_guard", Tier: TierTrade,
				Value: stopDist, Threshold: cfg.Risk.LiquidationBuffer * liqDist,
				OK: stopDist < cfg.Risk.LiquidationBuffer*liqDist,
			}
			if c.OK {
				c.Reason = fmt.Sprintf("stop distance %.4f within %.0f%% of liquidation distance %.4f",
					stopDist, cfg.Risk.LiquidationBuffer*100, liqDist)
			} else {
				c.Reason = fmt.Sprintf("stop distance %.4f beyond %.0f%% of liquidation distance %.4f at %.0fx",
					stopDist, cfg.Risk.LiquidationBuffer*100, liqDist, leverage)
			}
			checks = append(checks, c)
			if !c.OK {
				return checks, 0, leverage, &c
			}
		}
	}

	// Regime leverage cap reduces rather than rejects.
	if policy.MaxLeverage > 0 && leverage > policy.MaxLeverage {
		checks = append(checks, Check{
			Name: "leverage_cap", Tier: TierTrade, OK: true,
			Value: leverage, Threshold: policy.MaxLeverage,
			Reason: fmt.Sprintf("leverage reduced %.0fx -> %.0fx for regime %s", leverage, policy.MaxLeverage, intent.Regime),
		})
		leverage = policy.MaxLeverage
	}

	// Inverse-volatility sizing: cap the trade so expected per-period risk
	// stays near the target. Never scales up.
	if snap.Volatility > 0 && cfg.Risk.TargetRiskPerTrade > 0 && state.Equity > 0 && notional > 0 {
		target := cfg.Risk.TargetRiskPerTrade * state.Equity / snap.Volatility
		if target < notional*scale {
			fit := target / notional
			checks = append(checks, Check{
				Name: "volatility_sizing", Tier: TierTrade, OK: true,
				Value: snap.Volatility,
				Reason: fmt.Sprintf("size capped at %.2f by volatility %.4f vs %.2f%% risk target",
					target, snap.Volatility, cfg.Risk.TargetRiskPerTrade*100),
			})
			scale = math.Min(scale, fit)
		}
	}

	// Drawdown suppression halves new risk while the book is under water.
	dd := math.Max(state.DailyDrawdown(), state.TotalDrawdown())
	if cfg.Risk.DrawdownSuppression.TriggerPct > 0 && dd >= cfg.Risk.DrawdownSuppression.TriggerPct {
		checks = append(checks, Check{
			Name: "drawdown_suppression", Tier: TierTrade, OK: true,
			Value: dd, Threshold: cfg.Risk.DrawdownSuppression.TriggerPct,
			Reason: fmt.Sprintf("drawdown %.1f%% over %.1f%% trigger, size x%.2f",
				dd*100, cfg.Risk.DrawdownSuppression.TriggerPct*100, cfg.Risk.DrawdownSuppression.Factor),
		})
		scale *= cfg.Risk.DrawdownSuppression.Factor
	}

	// Hard per-trade equity fraction cap, applied to the scaled size.
	if state.Equity > 0 && notional > 0 {
		cap := cfg.Risk.MaxEquityFraction * state.Equity
		if notional*scale > cap {
			checks = append(checks, Check{
				Name: "equity_fraction_cap", Tier: TierTrade, OK: true,
				Value: notional * scale, Threshold: cap,
				Reason: fmt.Sprintf("size capped at %.0f%% of equity", cfg.Risk.MaxEquityFraction*100),
			})
			scale = cap / notional
		}
	}

	return checks, scale, leverage, nil
}
