package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/metrics"
	"github.com/quantfall/gatekeeper/internal/portfolio"
)

// Flattener cancels all working orders (and optionally closes exposure)
// when the system breaker trips. The execution engine implements it.
type Flattener interface {
	Flatten(ctx context.Context, reason string)
}

// BreakerStatus is the externally visible breaker state.
type BreakerStatus struct {
	Tripped           bool          `json:"tripped"`
	Reason            string        `json:"reason,omitempty"`
	TrippedAt         time.Time     `json:"tripped_at,omitempty"`
	CooldownRemaining time.Duration `json:"cooldown_remaining,omitempty"`
}

// CircuitBreaker is the system tier. It watches portfolio drawdown,
// realized volatility, and feed staleness, and while tripped every new
// intent is rejected. Reset requires BOTH the cooldown to elapse AND the
// trip condition to have cleared; a quiet clock alone is not enough.
type CircuitBreaker struct {
	cfg       func() *config.Config
	portfolio *portfolio.Store
	staleness func() time.Duration
	volNow    func() float64

	mu        sync.Mutex
	tripped   bool
	reason    string
	trippedAt time.Time

	// slow EWMA of observed volatility, the adaptive trip baseline
	longRunVol float64
	volSamples int

	flatMu    sync.Mutex
	flattener Flattener

	subMu   sync.Mutex
	subs    map[int]chan string
	nextSub int

	now func() time.Time
}

// NewCircuitBreaker wires the system tier to its observers. staleness
// and volNow are sampled on every evaluation tick.
func NewCircuitBreaker(cfg func() *config.Config, pf *portfolio.Store, staleness func() time.Duration, volNow func() float64) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:       cfg,
		portfolio: pf,
		staleness: staleness,
		volNow:    volNow,
		subs:      make(map[int]chan string),
		now:       time.Now,
	}
}

// SetFlattener installs the order-flattening hook. Settable after
// construction because the execution engine is built on top of the gate.
func (cb *CircuitBreaker) SetFlattener(f Flattener) {
	cb.flatMu.Lock()
	cb.flattener = f
	cb.flatMu.Unlock()
}

// Tripped reports whether the breaker is currently open.
func (cb *CircuitBreaker) Tripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripped
}

// Status returns the current breaker state for risk-status queries.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := BreakerStatus{Tripped: cb.tripped, Reason: cb.reason, TrippedAt: cb.trippedAt}
	if cb.tripped {
		remaining := cb.cfg().Breaker.Cooldown - cb.now().Sub(cb.trippedAt)
		if remaining > 0 {
			st.CooldownRemaining = remaining
		}
	}
	return st
}

// Trip opens the breaker manually (operator halt or external kill switch).
func (cb *CircuitBreaker) Trip(ctx context.Context, reason string) {
	cb.trip(ctx, reason)
}

// Subscribe delivers the trip reason to the channel whenever the breaker
// opens. Executors use this to revoke in-flight approvals promptly.
func (cb *CircuitBreaker) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 4)
	cb.subMu.Lock()
	id := cb.nextSub
	cb.nextSub++
	cb.subs[id] = ch
	cb.subMu.Unlock()
	cancel := func() {
		cb.subMu.Lock()
		if c, ok := cb.subs[id]; ok {
			delete(cb.subs, id)
			close(c)
		}
		cb.subMu.Unlock()
	}
	return ch, cancel
}

// Run evaluates trip and reset conditions on a fixed tick until ctx ends.
func (cb *CircuitBreaker) Run(ctx context.Context) {
	interval := cb.cfg().Breaker.EvaluateInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cb.Evaluate(ctx)
		}
	}
}

// Evaluate runs one trip/reset cycle. Exported so tests and the gate can
// force an evaluation without waiting for the ticker.
func (cb *CircuitBreaker) Evaluate(ctx context.Context) {
	cfg := cb.cfg()
	vol := cb.volNow()
	cb.observeVol(vol)

	if reason := cb.tripCondition(cfg, vol); reason != "" {
		cb.trip(ctx, reason)
		return
	}

	// Conditions are clear; reset only once the cooldown has also elapsed.
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.tripped && cb.now().Sub(cb.trippedAt) >= cfg.Breaker.Cooldown {
		log.Info().Str("reason", cb.reason).Dur("tripped_for", cb.now().Sub(cb.trippedAt)).
			Msg("circuit breaker reset: cooldown elapsed and conditions clear")
		cb.tripped = false
		cb.reason = ""
		metrics.BreakerTripped.Set(0)
	}
}

// tripCondition returns the first violated condition, or "".
func (cb *CircuitBreaker) tripCondition(cfg *config.Config, vol float64) string {
	state := cb.portfolio.Read()
	if dd := state.DailyDrawdown(); dd >= cfg.Risk.MaxDailyDrawdownPct {
		return "daily_drawdown"
	}
	if dd := state.TotalDrawdown(); dd >= cfg.Risk.MaxTotalDrawdownPct {
		return "total_drawdown"
	}
	if cfg.Breaker.VolThreshold > 0 && vol >= cb.volTripLevel(cfg) {
		return "volatility"
	}
	if limit := cfg.Breaker.StalenessLimit; limit > 0 {
		if age := cb.staleness(); age >= limit {
			return "feed_staleness"
		}
	}
	return ""
}

// volTripLevel is the adaptive volatility trip level: the configured
// baseline, raised to a multiple of long-run observed vol once enough
// samples have accumulated. Calm markets keep the tight baseline.
func (cb *CircuitBreaker) volTripLevel(cfg *config.Config) float64 {
	cb.mu.Lock()
	longRun := cb.longRunVol
	samples := cb.volSamples
	cb.mu.Unlock()

	level := cfg.Breaker.VolThreshold
	if samples >= 30 && cfg.Breaker.VolAdaptFactor > 0 {
		level = math.Max(level, cfg.Breaker.VolAdaptFactor*longRun)
	}
	return level
}

func (cb *CircuitBreaker) observeVol(vol float64) {
	if vol <= 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	const alpha = 0.02 // slow baseline, roughly a 35-sample halflife
	if cb.volSamples == 0 {
		cb.longRunVol = vol
	} else {
		cb.longRunVol = (1-alpha)*cb.longRunVol + alpha*vol
	}
	cb.volSamples++
}

func (cb *CircuitBreaker) trip(ctx context.Context, reason string) {
	cb.mu.Lock()
	if cb.tripped {
		cb.trippedAt = cb.now() // restart cooldown while conditions persist
		cb.mu.Unlock()
		return
	}
	cb.tripped = true
	cb.reason = reason
	cb.trippedAt = cb.now()
	cb.mu.Unlock()

	metrics.BreakerTripped.Set(1)
	log.Error().Str("reason", reason).Msg("circuit breaker tripped")

	cb.subMu.Lock()
	for _, ch := range cb.subs {
		select {
		case ch <- reason:
		default:
		}
	}
	cb.subMu.Unlock()

	if cb.cfg().Breaker.FlattenOnTrip {
		cb.flatMu.Lock()
		f := cb.flattener
		cb.flatMu.Unlock()
		if f != nil {
			f.Flatten(ctx, reason)
		}
	}
}
