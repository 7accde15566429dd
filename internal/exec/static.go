package exec

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// staticAlgo rests a single limit order and waits. No repricing: the
// order sits where it was placed until it fills, the deadline passes,
// or the approval is revoked.
type staticAlgo struct{}

func (staticAlgo) name() string { return "static" }

func (staticAlgo) run(ctx context.Context, e *Engine, ex *execution) {
	cfg := e.cfg()

	price := ex.intent.LimitPrice
	if price <= 0 {
		snap, err := e.quotes.GetSnapshot(ex.intent.Symbol)
		if err != nil {
			ex.abortWith("no market data: " + err.Error())
			return
		}
		price = passivePrice(ex.side, snap, cfg.Execution.ChaseOffsetBps)
	}

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
		if state.Terminal() {
			return
		}
	}
}
