package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/portfolio"
)

type recordingFlattener struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingFlattener) Flatten(_ context.Context, reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recordingFlattener) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

type breakerHarness struct {
	cb        *CircuitBreaker
	cfg       *config.Config
	staleness time.Duration
	vol       float64
	now       time.Time
}

func newBreakerHarness(t *testing.T) *breakerHarness {
	t.Helper()
	h := &breakerHarness{cfg: config.Default(), now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	h.cb = NewCircuitBreaker(
		func() *config.Config { return h.cfg },
		portfolio.NewStore(100_000),
		func() time.Duration { return h.staleness },
		func() float64 { return h.vol },
	)
	h.cb.now = func() time.Time { return h.now }
	return h
}

func TestBreakerTripsOnFeedStaleness(t *testing.T) {
	h := newBreakerHarness(t)
	ctx := context.Background()

	h.cb.Evaluate(ctx)
	require.False(t, h.cb.Tripped())

	h.staleness = h.cfg.Breaker.StalenessLimit + time.Second
	h.cb.Evaluate(ctx)
	require.True(t, h.cb.Tripped())
	assert.Equal(t, "feed_staleness", h.cb.Status().Reason)
}

func TestBreakerTripsOnVolatility(t *testing.T) {
	h := newBreakerHarness(t)
	h.vol = h.cfg.Breaker.VolThreshold * 2
	h.cb.Evaluate(context.Background())
	require.True(t, h.cb.Tripped())
	assert.Equal(t, "volatility", h.cb.Status().Reason)
}

func TestBreakerResetNeedsCooldownAndClearConditions(t *testing.T) {
	h := newBreakerHarness(t)
	ctx := context.Background()

	h.staleness = time.Minute
	h.cb.Evaluate(ctx)
	require.True(t, h.cb.Tripped())

	// Conditions clear but cooldown not yet elapsed: stays tripped.
	h.staleness = 0
	h.now = h.now.Add(h.cfg.Breaker.Cooldown / 2)
	h.cb.Evaluate(ctx)
	assert.True(t, h.cb.Tripped())
	assert.Greater(t, h.cb.Status().CooldownRemaining, time.Duration(0))

	// Cooldown elapsed but condition still present: stays tripped and
	// the cooldown restarts from the ongoing violation.
	h.staleness = time.Minute
	h.now = h.now.Add(h.cfg.Breaker.Cooldown)
	h.cb.Evaluate(ctx)
	assert.True(t, h.cb.Tripped())

	// Both clear: resets.
	h.staleness = 0
	h.now = h.now.Add(h.cfg.Breaker.Cooldown + time.Second)
	h.cb.Evaluate(ctx)
	assert.False(t, h.cb.Tripped())
	assert.Empty(t, h.cb.Status().Reason)
}

func TestBreakerFlattensAndNotifiesOnTrip(t *testing.T) {
	h := newBreakerHarness(t)
	fl := &recordingFlattener{}
	h.cb.SetFlattener(fl)
	sub, cancel := h.cb.Subscribe()
	defer cancel()

	h.cb.Trip(context.Background(), "operator_halt")
	require.True(t, h.cb.Tripped())

	require.Equal(t, []string{"operator_halt"}, fl.calls())
	select {
	case reason := <-sub:
		assert.Equal(t, "operator_halt", reason)
	default:
		t.Fatal("expected trip notification")
	}

	// A second trip while open only restarts the cooldown.
	before := h.cb.Status().TrippedAt
	h.now = h.now.Add(time.Minute)
	h.cb.Trip(context.Background(), "again")
	assert.Equal(t, 1, len(fl.calls()), "no duplicate flatten while already open")
	assert.True(t, h.cb.Status().TrippedAt.After(before))
}

func TestBreakerAdaptiveVolBaseline(t *testing.T) {
	h := newBreakerHarness(t)
	ctx := context.Background()

	// Warm the long-run baseline with calm observations.
	h.vol = 0.01
	for i := 0; i < 40; i++ {
		h.cb.Evaluate(ctx)
	}
	require.False(t, h.cb.Tripped())

	// Adaptive level = max(threshold, 3x long-run ~0.01) = threshold 0.08;
	// 0.05 stays under it even though it is 5x the recent baseline.
	h.vol = 0.05
	h.cb.Evaluate(ctx)
	assert.False(t, h.cb.Tripped())

	h.vol = 0.09
	h.cb.Evaluate(ctx)
	assert.True(t, h.cb.Tripped())
}
