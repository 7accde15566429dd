package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyFillOpensAndAverages(t *testing.T) {
	st := NewStore(10_000)

	st.ApplyFill("BTCUSDT", 1, 100, 2)
	state := st.Read()
	pos := state.Positions["BTCUSDT"]
	assert.Equal(t, 1.0, pos.Size)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 2.0, pos.Leverage)
	assert.Equal(t, 10_000.0, state.Equity, "opening realizes nothing")

	// Adding averages the entry.
	st.ApplyFill("BTCUSDT", 1, 110, 2)
	pos = st.Read().Positions["BTCUSDT"]
	assert.Equal(t, 2.0, pos.Size)
	assert.InDelta(t, 105.0, pos.EntryPrice, 1e-9)
}

func TestApplyFillRealizesOnReduceAndFlip(t *testing.T) {
	st := NewStore(10_000)
	st.ApplyFill("ETHUSDT", 2, 100, 1)

	// Partial reduce at a profit realizes on the closed portion only.
	st.ApplyFill("ETHUSDT", -1, 110, 1)
	state := st.Read()
	assert.InDelta(t, 10_010.0, state.Equity, 1e-9)
	pos := state.Positions["ETHUSDT"]
	assert.Equal(t, 1.0, pos.Size)
	assert.Equal(t, 100.0, pos.EntryPrice, "reduce keeps entry")

	// Flip: close the long at a loss, remainder opens short at fill px.
	st.ApplyFill("ETHUSDT", -2, 90, 1)
	state = st.Read()
	assert.InDelta(t, 10_000.0, state.Equity, 1e-9)
	pos = state.Positions["ETHUSDT"]
	assert.Equal(t, -1.0, pos.Size)
	assert.Equal(t, 90.0, pos.EntryPrice)

	// Close out entirely removes the position.
	st.ApplyFill("ETHUSDT", 1, 90, 1)
	state = st.Read()
	_, ok := state.Positions["ETHUSDT"]
	assert.False(t, ok)
}

func TestDrawdownAccounting(t *testing.T) {
	st := NewStore(100_000)
	st.ApplyFill("BTCUSDT", 1, 50_000, 1)
	st.ApplyFill("BTCUSDT", -1, 56_000, 1) // +6000, new peak
	st.ApplyFill("BTCUSDT", 1, 50_000, 1)
	st.ApplyFill("BTCUSDT", -1, 39_400, 1) // -10600

	state := st.Read()
	assert.InDelta(t, 95_400.0, state.Equity, 1e-9)
	assert.InDelta(t, 0.1, state.TotalDrawdown(), 1e-9)
	assert.InDelta(t, 0.1, state.DailyDrawdown(), 1e-9)

	st.ResetDay()
	state = st.Read()
	assert.Equal(t, 0.0, state.DailyDrawdown())
	assert.InDelta(t, 0.1, state.TotalDrawdown(), 1e-9, "total peak survives the day roll")
}

func TestReadReturnsIsolatedCopy(t *testing.T) {
	st := NewStore(10_000)
	st.ApplyFill("BTCUSDT", 1, 100, 1)

	a := st.Read()
	a.Positions["BTCUSDT"] = Position{Symbol: "BTCUSDT", Size: 99}
	a.Equity = 0

	b := st.Read()
	assert.Equal(t, 1.0, b.Positions["BTCUSDT"].Size)
	assert.Equal(t, 10_000.0, b.Equity)
	assert.Greater(t, b.Version, uint64(0))
}

func TestLeverageInUseAndVersionBumps(t *testing.T) {
	st := NewStore(10_000)
	v0 := st.Read().Version

	st.ApplyFill("BTCUSDT", 1, 5_000, 2)
	state := st.Read()
	assert.InDelta(t, 0.5, state.LeverageInUse, 1e-9)
	assert.Greater(t, state.Version, v0)

	st.MarkPrice("BTCUSDT", 6_000)
	state = st.Read()
	assert.InDelta(t, 0.6, state.LeverageInUse, 1e-9)
	assert.InDelta(t, 1_000.0, state.Positions["BTCUSDT"].UnrealizedPnL, 1e-9)
}

func TestPositionVaR(t *testing.T) {
	require.InDelta(t, 165.0, PositionVaR(10_000, 0.01), 1e-9)
	require.InDelta(t, 165.0, PositionVaR(-10_000, 0.01), 1e-9, "short exposure risks the same")
	require.Equal(t, 0.0, PositionVaR(10_000, 0))
}
