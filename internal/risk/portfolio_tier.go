package risk

import (
	"fmt"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/portfolio"
)

// portfolioTier evaluates portfolio-level constraints: the average
// pairwise correlation ceiling and the portfolio VaR budget. It may
// scale a trade down to fit the remaining budget but never rejects a
// risk-reducing (flat) intent.
//
// Returns the checks performed, the surviving scale in [0,1], and the
// failing check when the intent must be rejected outright.
func portfolioTier(cfg *config.Config, intent model.TradeIntent, state portfolio.State, notional float64, volOf func(string) float64) (checks []Check, scale float64, failed *Check) {
	scale = 1.0
	if intent.Side == model.SideFlat {
		checks = append(checks, Check{
			Name: "risk_reducing", Tier: TierPortfolio, OK: true,
			Reason: "flat intent reduces exposure, portfolio checks skipped",
		})
		return checks, scale, nil
	}

	// Correlation ceiling over the would-be holdings.
	held := state.HeldSymbols()
	candidate := held
	if _, ok := state.Positions[intent.Symbol]; !ok {
		candidate = append(append([]string{}, held...), intent.Symbol)
	}
	avgCorr := state.Correlations.AvgPairwiseCorrelation(candidate)
	corrCheck := Check{
		Name: "avg_pairwise_correlation", Tier: TierPortfolio,
		Value: avgCorr, Threshold: cfg.Risk.MaxCorrelation,
		OK: avgCorr <= cfg.Risk.MaxCorrelation,
	}
	if corrCheck.OK {
		corrCheck.Reason = fmt.Sprintf("avg pairwise correlation %.2f within ceiling %.2f", avgCorr, cfg.Risk.MaxCorrelation)
	} else {
		corrCheck.Reason = fmt.Sprintf("avg pairwise correlation %.2f exceeds ceiling %.2f", avgCorr, cfg.Risk.MaxCorrelation)
	}
	checks = append(checks, corrCheck)
	if !corrCheck.OK {
		return checks, 0, &corrCheck
	}

	// VaR budget. Existing positions consume budget first; the new trade
	// gets whatever remains, scaled down to fit when necessary.
	budget := cfg.Risk.VaRBudgetPct * state.Equity
	var used float64
	for sym, pos := range state.Positions {
		used += portfolio.PositionVaR(pos.Notional(), volOf(sym))
	}
	newVaR := portfolio.PositionVaR(notional, volOf(intent.Symbol))

	varCheck := Check{
		Name: "var_budget", Tier: TierPortfolio,
		Value: used + newVaR, Threshold: budget,
	}
	switch {
	case budget <= 0 || used >= budget:
		varCheck.OK = false
		varCheck.Reason = fmt.Sprintf("VaR budget exhausted: %.2f used of %.2f", used, budget)
		checks = append(checks, varCheck)
		return checks, 0, &varCheck
	case newVaR > 0 && used+newVaR > budget:
		fit := (budget - used) / newVaR
		scale = fit
		varCheck.OK = true
		varCheck.Reason = fmt.Sprintf("trade scaled to %.0f%% to fit VaR budget (%.2f of %.2f used)", fit*100, used, budget)
	default:
		varCheck.OK = true
		varCheck.Reason = fmt.Sprintf("VaR %.2f within budget %.2f", used+newVaR, budget)
	}
	checks = append(checks, varCheck)

	// HRP allocation split. When target weights exist, one symbol may
	// only consume its weight's share of the total VaR budget; a trade
	// that overshoots its share is scaled down to fit it.
	if w, ok := state.TargetWeights[intent.Symbol]; ok && w > 0 && newVaR > 0 {
		symBudget := w * budget
		var symUsed float64
		if pos, held := state.Positions[intent.Symbol]; held {
			symUsed = portfolio.PositionVaR(pos.Notional(), volOf(intent.Symbol))
		}
		hrpCheck := Check{
			Name: "hrp_allocation", Tier: TierPortfolio,
			Value: symUsed + newVaR, Threshold: symBudget,
		}
		switch {
		case symUsed >= symBudget:
			hrpCheck.OK = false
			hrpCheck.Reason = fmt.Sprintf("%s allocation exhausted: VaR %.2f used of %.2f share", intent.Symbol, symUsed, symBudget)
			checks = append(checks, hrpCheck)
			return checks, 0, &hrpCheck
		case symUsed+newVaR > symBudget:
			fit := (symBudget - symUsed) / newVaR
			if fit < scale {
				scale = fit
			}
			hrpCheck.OK = true
			hrpCheck.Reason = fmt.Sprintf("trade scaled to %.0f%% to fit %s allocation share %.2f", fit*100, intent.Symbol, symBudget)
		default:
			hrpCheck.OK = true
			hrpCheck.Reason = fmt.Sprintf("allocation VaR %.2f within %s share %.2f", symUsed+newVaR, intent.Symbol, symBudget)
		}
		checks = append(checks, hrpCheck)
	}
	return checks, scale, nil
}
