package portfolio

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type midStub struct {
	mu  sync.Mutex
	px  map[string]float64
	off map[string]bool
}

func newMidStub() *midStub {
	return &midStub{px: make(map[string]float64), off: make(map[string]bool)}
}

func (m *midStub) set(symbol string, px float64) {
	m.mu.Lock()
	m.px[symbol] = px
	m.mu.Unlock()
}

func (m *midStub) Mid(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.off[symbol] {
		return 0, false
	}
	px, ok := m.px[symbol]
	return px, ok
}

func TestTrackerSamplesReturnsAndMarks(t *testing.T) {
	store := NewStore(100_000)
	quotes := newMidStub()
	tr := NewTracker(store, quotes, []string{"BTCUSDT", "ETHUSDT"}, 0, 0)

	store.ApplyFill("BTCUSDT", 1, 100, 1)

	quotes.set("BTCUSDT", 100)
	tr.Sample()
	require.Empty(t, tr.returns["BTCUSDT"], "first sample only seeds the anchor price")

	quotes.set("BTCUSDT", 110)
	tr.Sample()
	require.Len(t, tr.returns["BTCUSDT"], 1)
	assert.InDelta(t, math.Log(1.1), tr.returns["BTCUSDT"][0], 1e-12)

	// Marks flow through to unrealized PnL.
	pos, ok := store.Read().Positions["BTCUSDT"]
	require.True(t, ok)
	assert.InDelta(t, 10.0, pos.UnrealizedPnL, 1e-9)

	// Symbols without quotes are skipped, not zero-filled.
	assert.Empty(t, tr.returns["ETHUSDT"])
}

func TestTrackerWindowBounded(t *testing.T) {
	store := NewStore(100_000)
	quotes := newMidStub()
	tr := NewTracker(store, quotes, []string{"BTCUSDT"}, 0, 0)

	px := 100.0
	for i := 0; i < trackerWindow+50; i++ {
		quotes.set("BTCUSDT", px)
		tr.Sample()
		px *= 1.001
	}
	assert.Len(t, tr.returns["BTCUSDT"], trackerWindow)
}

func TestTrackerRecomputePublishesMatrixAndWeights(t *testing.T) {
	store := NewStore(100_000)
	quotes := newMidStub()
	tr := NewTracker(store, quotes, []string{"AAA", "BBB"}, 0, 0)

	// AAA and BBB move in lockstep: correlation 1, equal-risk split.
	px := 100.0
	for i := 0; i < 40; i++ {
		quotes.set("AAA", px)
		quotes.set("BBB", px*2)
		tr.Sample()
		if i%2 == 0 {
			px *= 1.01
		} else {
			px *= 0.995
		}
	}
	tr.Recompute()

	state := store.Read()
	require.NotNil(t, state.Correlations)
	assert.InDelta(t, 1.0, state.Correlations.Get("AAA", "BBB"), 1e-9)

	require.Len(t, state.TargetWeights, 2)
	sum := state.TargetWeights["AAA"] + state.TargetWeights["BBB"]
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestTrackerRecomputeSkipsThinSeries(t *testing.T) {
	store := NewStore(100_000)
	quotes := newMidStub()
	tr := NewTracker(store, quotes, []string{"AAA"}, 0, 0)

	quotes.set("AAA", 100)
	tr.Sample()
	quotes.set("AAA", 101)
	tr.Sample()
	tr.Recompute()

	state := store.Read()
	assert.Nil(t, state.Correlations, "too few observations leaves the matrix unset")
}
