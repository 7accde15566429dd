package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/exec"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/risk"
)

// Connector is the decision layer's entry point. It runs every intent
// through the risk gate and hands approved intents to the execution
// engine without blocking the caller; results come back through handles.
type Connector struct {
	cfg    func() *config.Config
	gate   *risk.Gate
	engine *exec.Engine
}

// New assembles the connector facade over the gate and engine.
func New(cfg func() *config.Config, gate *risk.Gate, engine *exec.Engine) *Connector {
	return &Connector{cfg: cfg, gate: gate, engine: engine}
}

// SubmitIntent gates an intent and, if approved, starts executing it.
// The call returns as soon as the execution is underway; it never waits
// for fills. Rejections return the verdict so callers can see every
// check that ran, wrapped in risk.ErrRejected.
func (c *Connector) SubmitIntent(ctx context.Context, intent model.TradeIntent) (*exec.Handle, risk.Verdict, error) {
	verdict, err := c.gate.Evaluate(intent)
	if err != nil {
		return nil, risk.Verdict{}, fmt.Errorf("submit intent %s: %w", intent.ID, err)
	}
	if !verdict.Approved {
		log.Info().Str("intent", intent.ID).Str("symbol", intent.Symbol).
			Str("tier", string(verdict.Tier)).Str("reason", verdict.Reason).
			Msg("intent rejected")
		rejection := fmt.Errorf("intent %s: %s: %w", intent.ID, verdict.Reason, risk.ErrRejected)
		if verdict.Tier == risk.TierSystem {
			rejection = fmt.Errorf("%w: %w", risk.ErrCircuitOpen, rejection)
		}
		return nil, verdict, rejection
	}

	handle, err := c.engine.Submit(ctx, intent, verdict)
	if err != nil {
		return nil, verdict, fmt.Errorf("submit intent %s: %w", intent.ID, err)
	}
	return handle, verdict, nil
}

// QueryState returns live progress for a working execution.
func (c *Connector) QueryState(executionID string) (exec.Progress, bool) {
	return c.engine.QueryState(executionID)
}

// QueryRiskStatus reports breaker and portfolio state.
func (c *Connector) QueryRiskStatus() risk.Status {
	return c.gate.RiskStatus()
}

// AwaitReport blocks until the execution behind the handle finishes or
// the timeout elapses. Safe to call repeatedly: once terminal, every
// call returns the identical report immediately.
func (c *Connector) AwaitReport(ctx context.Context, h *exec.Handle, timeout time.Duration) (exec.Report, error) {
	if timeout <= 0 {
		timeout = c.cfg().Execution.Timeout
	}
	return h.AwaitReport(ctx, timeout)
}
