package portfolio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MidSource supplies current mid prices; the market aggregator backs it.
type MidSource interface {
	Mid(symbol string) (float64, bool)
}

const trackerWindow = 256 // return observations kept per symbol

// Tracker samples mid prices on a fixed cadence, maintains per-symbol
// return series, and periodically refreshes the correlation matrix,
// position marks, and HRP allocation targets in the portfolio store.
type Tracker struct {
	store   *Store
	quotes  MidSource
	symbols []string

	sampleEvery    time.Duration
	recomputeEvery time.Duration

	mu      sync.Mutex
	lastPx  map[string]float64
	returns map[string][]float64

	now func() time.Time
}

// NewTracker builds a tracker for the given symbols. sampleEvery drives
// return sampling, recomputeEvery drives matrix and weight refreshes.
func NewTracker(store *Store, quotes MidSource, symbols []string, sampleEvery, recomputeEvery time.Duration) *Tracker {
	if sampleEvery <= 0 {
		sampleEvery = 5 * time.Second
	}
	if recomputeEvery <= 0 {
		recomputeEvery = time.Minute
	}
	return &Tracker{
		store:          store,
		quotes:         quotes,
		symbols:        symbols,
		sampleEvery:    sampleEvery,
		recomputeEvery: recomputeEvery,
		lastPx:         make(map[string]float64),
		returns:        make(map[string][]float64),
		now:            time.Now,
	}
}

// Run samples and recomputes until ctx is cancelled. It also rolls the
// daily drawdown anchor at UTC midnight.
func (t *Tracker) Run(ctx context.Context) {
	sample := time.NewTicker(t.sampleEvery)
	defer sample.Stop()
	recompute := time.NewTicker(t.recomputeEvery)
	defer recompute.Stop()

	day := t.now().UTC().Day()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			t.Sample()
			if d := t.now().UTC().Day(); d != day {
				day = d
				t.store.ResetDay()
				log.Info().Msg("daily drawdown anchor reset")
			}
		case <-recompute.C:
			t.Recompute()
		}
	}
}

// Sample records one log return per symbol and refreshes position marks.
func (t *Tracker) Sample() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sym := range t.symbols {
		px, ok := t.quotes.Mid(sym)
		if !ok || px <= 0 {
			continue
		}
		if prev := t.lastPx[sym]; prev > 0 {
			series := append(t.returns[sym], math.Log(px/prev))
			if len(series) > trackerWindow {
				series = series[len(series)-trackerWindow:]
			}
			t.returns[sym] = series
		}
		t.lastPx[sym] = px
		t.store.MarkPrice(sym, px)
	}
}

// Recompute refreshes the correlation matrix and HRP target weights
// from the accumulated return series.
func (t *Tracker) Recompute() {
	t.mu.Lock()
	returns := make(map[string][]float64, len(t.returns))
	for sym, series := range t.returns {
		returns[sym] = append([]float64(nil), series...)
	}
	t.mu.Unlock()
	if len(returns) == 0 {
		return
	}

	matrix, err := ComputeCorrelationMatrix(returns)
	if err != nil {
		log.Debug().Err(err).Msg("correlation refresh skipped")
		return
	}
	t.store.SetCorrelations(matrix)
	t.store.SetTargetWeights(HRPWeights(returns))
	log.Debug().Int("symbols", len(matrix.Symbols)).Int("observations", matrix.Observations).
		Msg("correlation matrix and allocation targets refreshed")
}
