package exec

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// chaseAlgo works a limit order at the touch and follows the market,
// cancel-and-replacing under a reprice rate cap. When price drifts too
// far from the submission reference it falls back to a market order or
// aborts, per configuration. A material spread change forces a fresh
// gate check before the chase continues.
type chaseAlgo struct{}

func (chaseAlgo) name() string { return "chase" }

func (chaseAlgo) run(ctx context.Context, e *Engine, ex *execution) {
	cfg := e.cfg()
	limiter := rate.NewLimiter(rate.Limit(cfg.Execution.MaxRepricePerSec), 1)

	snap, err := e.quotes.GetSnapshot(ex.intent.Symbol)
	if err != nil {
		ex.abortWith("no market data: " + err.Error())
		return
	}
	price := passivePrice(ex.side, snap, cfg.Execution.ChaseOffsetBps)
	child, err := e.placeChild(ctx, ex, "limit", price, ex.targetSize)
	if err != nil {
		e.failPlacement(ex, err)
		return
	}

	ticker := time.NewTicker(cfg.Execution.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.cancelChild(context.WithoutCancel(ctx), ex, child)
			return
		case <-ticker.C:
		}
		if e.checkRevocation(ex) {
			e.cancelChild(ctx, ex, child)
			return
		}
		if time.Now().After(ex.deadline) {
			ex.abortWith("deadline")
			e.cancelChild(ctx, ex, child)
			return
		}

		state, err := e.refreshChild(ctx, ex, child)
		if err != nil {
			log.Warn().Str("execution", ex.id).Err(err).Msg("status poll failed")
			continue
		}
		if state == ChildFilled {
			return
		}
		if state.Terminal() {
			// Cancelled or rejected out from under us; replace what remains.
			remaining := ex.remainingSize()
			if remaining <= 0 {
				return
			}
			child, err = e.placeChild(ctx, ex, "limit", child.Price, remaining)
			if err != nil {
				e.failPlacement(ex, err)
				return
			}
			continue
		}

		snap, err = e.quotes.GetSnapshot(ex.intent.Symbol)
		if err != nil {
			continue // stale book; keep resting where we are
		}

		// Drift guard against the submission reference.
		driftBps := math.Abs(snap.Mid-ex.refPrice) / ex.refPrice * 10000
		if driftBps > cfg.Execution.MaxDriftBps {
			if cfg.Execution.DriftFallback == "abort" {
				ex.abortWith("price drift exceeded")
				e.cancelChild(ctx, ex, child)
				return
			}
			log.Warn().Str("execution", ex.id).Float64("drift_bps", driftBps).
				Msg("max drift exceeded, crossing with market order")
			e.cancelChild(ctx, ex, child)
			remaining := ex.remainingSize()
			if remaining <= 0 {
				return
			}
			mkt, err := e.placeChild(ctx, ex, "market", 0, remaining)
			if err != nil {
				e.failPlacement(ex, err)
				return
			}
			e.awaitChild(ctx, ex, mkt)
			return
		}

		// A materially different spread invalidates the conditions the
		// approval was issued under; re-run the gate before continuing.
		if math.Abs(snap.SpreadBps-ex.refSpread) > cfg.Execution.SpreadChangeBps {
			verdict, gerr := e.gate.Evaluate(ex.intent)
			ex.mu.Lock()
			ex.refSpread = snap.SpreadBps
			ex.mu.Unlock()
			if gerr != nil || !verdict.Approved {
				ex.abortWith("gate re-check failed on spread change")
				e.cancelChild(ctx, ex, child)
				return
			}
		}

		want := passivePrice(ex.side, snap, cfg.Execution.ChaseOffsetBps)
		if want <= 0 || want == child.Price {
			continue
		}
		if !limiter.Allow() {
			continue // reprice budget spent; catch up next cycle
		}
		child, err = e.repriceChild(ctx, ex, child, want)
		if err != nil {
			e.failPlacement(ex, err)
			return
		}
	}
}

// awaitChild polls one child to a terminal state or the deadline.
func (e *Engine) awaitChild(ctx context.Context, ex *execution, child *ChildOrder) {
	cfg := e.cfg()
	ticker := time.NewTicker(cfg.Execution.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.cancelChild(context.WithoutCancel(ctx), ex, child)
			return
		case <-ticker.C:
		}
		if time.Now().After(ex.deadline) {
			ex.abortWith("deadline")
			e.cancelChild(ctx, ex, child)
			return
		}
		state, err := e.refreshChild(ctx, ex, child)
		if err != nil {
			continue
		}
		if state.Terminal() {
			return
		}
	}
}
