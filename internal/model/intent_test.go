package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTradeIntentDefaults(t *testing.T) {
	it := NewTradeIntent("BTCUSDT", SideLong, 1_000, UrgencyNormal, RegimeTrending)
	assert.NotEmpty(t, it.ID)
	assert.Equal(t, 1.0, it.Leverage)
	assert.False(t, it.CreatedAt.IsZero())
	require.NoError(t, it.Validate())
}

func TestIntentValidate(t *testing.T) {
	valid := func() TradeIntent {
		return NewTradeIntent("BTCUSDT", SideLong, 1_000, UrgencyNormal, RegimeTrending)
	}

	t.Run("empty symbol", func(t *testing.T) {
		it := valid()
		it.Symbol = ""
		require.Error(t, it.Validate())
	})

	t.Run("bad side", func(t *testing.T) {
		it := valid()
		it.Side = "sideways"
		require.Error(t, it.Validate())
	})

	t.Run("no size", func(t *testing.T) {
		it := valid()
		it.Notional = 0
		require.Error(t, it.Validate())
	})

	t.Run("both sizings", func(t *testing.T) {
		it := valid()
		it.EquityFraction = 0.1
		require.Error(t, it.Validate())
	})

	t.Run("equity fraction over one", func(t *testing.T) {
		it := valid()
		it.Notional = 0
		it.EquityFraction = 1.5
		require.Error(t, it.Validate())
	})

	t.Run("negative leverage", func(t *testing.T) {
		it := valid()
		it.Leverage = -1
		require.Error(t, it.Validate())
	})

	t.Run("flat needs no size", func(t *testing.T) {
		it := NewTradeIntent("BTCUSDT", SideFlat, 0, UrgencyAggressive, RegimeUnknown)
		require.NoError(t, it.Validate())
	})
}

func TestIntentExpired(t *testing.T) {
	it := NewTradeIntent("BTCUSDT", SideLong, 1_000, UrgencyNormal, RegimeTrending)
	now := time.Now()
	assert.False(t, it.Expired(now), "no deadline never expires")

	it.Deadline = now.Add(-time.Second)
	assert.True(t, it.Expired(now))

	it.Deadline = now.Add(time.Second)
	assert.False(t, it.Expired(now))
}
