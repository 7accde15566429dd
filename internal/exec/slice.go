package exec

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// slicedAlgo splits a large parent into equal child slices spaced over
// time, each worked as a passive limit at the current touch. It stops
// early when the parent fills, the approval is revoked, or the deadline
// passes; the trailing slice absorbs rounding.
type slicedAlgo struct{}

func (slicedAlgo) name() string { return "sliced" }

func (slicedAlgo) run(ctx context.Context, e *Engine, ex *execution) {
	cfg := e.cfg()
	count := cfg.Execution.SliceCount
	if count < 1 {
		count = 1
	}
	sliceSize := ex.targetSize / float64(count)

	for i := 0; i < count; i++ {
		if e.checkRevocation(ex) || ctx.Err() != nil {
			return
		}
		if time.Now().After(ex.deadline) {
			ex.abortWith("deadline")
			return
		}
		remaining := ex.remainingSize()
		if remaining <= 0 {
			return
		}
		size := sliceSize
		if i == count-1 || size > remaining {
			size = remaining
		}

		snap, err := e.quotes.GetSnapshot(ex.intent.Symbol)
		if err != nil {
			log.Warn().Str("execution", ex.id).Err(err).Msg("slice skipped, market stale")
		} else {
			price := passivePrice(ex.side, snap, cfg.Execution.ChaseOffsetBps)
			child, perr := e.placeChild(ctx, ex, "limit", price, size)
			if perr != nil {
				e.failPlacement(ex, perr)
				return
			}
			log.Debug().Str("execution", ex.id).Int("slice", i+1).Int("of", count).
				Float64("size", size).Float64("px", price).Msg("slice placed")
			if i == count-1 {
				e.awaitChild(ctx, ex, child)
				return
			}
			// Earlier slices get one interval to work before the next goes out.
			e.workChildFor(ctx, ex, child, cfg.Execution.SliceInterval)
			continue
		}

		select {
		case <-time.After(cfg.Execution.SliceInterval):
		case <-ctx.Done():
			return
		}
	}
}

// workChildFor polls a child for the given window, then cancels whatever
// is left so the next slice replaces it at a fresh price.
func (e *Engine) workChildFor(ctx context.Context, ex *execution, child *ChildOrder, window time.Duration) {
	cfg := e.cfg()
	ticker := time.NewTicker(cfg.Execution.PollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(window)
	for {
		select {
		case <-ctx.Done():
			e.cancelChild(context.WithoutCancel(ctx), ex, child)
			return
		case <-ticker.C:
		}
		if e.checkRevocation(ex) || time.Now().After(deadline) || time.Now().After(ex.deadline) {
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
