package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapEvent(venue, symbol string, seq int64, ts time.Time, bidPx, askPx float64) RawEvent {
	return RawEvent{
		Venue:     venue,
		Symbol:    symbol,
		Kind:      EventBookSnapshot,
		Sequence:  seq,
		Timestamp: ts,
		Bids:      []BookLevel{{Price: bidPx, Size: 2}, {Price: bidPx - 0.5, Size: 5}},
		Asks:      []BookLevel{{Price: askPx, Size: 3}, {Price: askPx + 0.5, Size: 4}},
	}
}

func deltaEvent(venue, symbol string, seq int64, ts time.Time, bidPx float64, bidSz float64) RawEvent {
	return RawEvent{
		Venue:     venue,
		Symbol:    symbol,
		Kind:      EventBookDelta,
		Sequence:  seq,
		Timestamp: ts,
		Bids:      []BookLevel{{Price: bidPx, Size: bidSz}},
	}
}

func TestAggregatorSnapshotLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	agg := NewAggregator(DefaultOptions())
	agg.now = func() time.Time { return now }

	_, err := agg.GetSnapshot("BTCUSDT")
	require.ErrorIs(t, err, ErrUnknownInstrument)

	require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", 100, base, 50000, 50010)))

	snap, err := agg.GetSnapshot("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.0, snap.BestBid.Price)
	assert.Equal(t, 50010.0, snap.BestAsk.Price)
	assert.Equal(t, 50005.0, snap.Mid)
	assert.InDelta(t, 2.0, snap.SpreadBps, 0.01)
	assert.False(t, snap.Stale)

	// Beyond the freshness window the read fails with ErrStaleData but
	// the (flagged) snapshot still comes back for observability.
	now = base.Add(6 * time.Second)
	snap, err = agg.GetSnapshot("BTCUSDT")
	require.ErrorIs(t, err, ErrStaleData)
	assert.True(t, snap.Stale)

	// A fresh update clears the staleness.
	now = base.Add(10 * time.Second)
	require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", 101, now, 50001, 50011)))
	_, err = agg.GetSnapshot("BTCUSDT")
	require.NoError(t, err)
}

func TestAggregatorSequenceGapForcesResync(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	agg := NewAggregator(DefaultOptions())
	agg.now = func() time.Time { return now }

	require.NoError(t, agg.Ingest(snapEvent("binance", "ETHUSDT", 1, base, 3000, 3001)))
	require.NoError(t, agg.Ingest(deltaEvent("binance", "ETHUSDT", 2, base, 2999.5, 1)))

	// Gap: 2 -> 5. The delta is refused and the instrument goes stale.
	err := agg.Ingest(deltaEvent("binance", "ETHUSDT", 5, base, 2999, 1))
	require.ErrorIs(t, err, ErrSequenceGap)
	_, err = agg.GetSnapshot("ETHUSDT")
	require.ErrorIs(t, err, ErrStaleData)

	// Even the next contiguous-looking delta is refused until a full
	// snapshot re-syncs the book.
	err = agg.Ingest(deltaEvent("binance", "ETHUSDT", 6, base, 2999, 1))
	require.ErrorIs(t, err, ErrSequenceGap)

	require.NoError(t, agg.Ingest(snapEvent("binance", "ETHUSDT", 40, base, 3002, 3003)))
	snap, err := agg.GetSnapshot("ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(40), snap.Sequence)
	assert.False(t, snap.Stale)

	// Deltas resume from the snapshot's sequence.
	require.NoError(t, agg.Ingest(deltaEvent("binance", "ETHUSDT", 41, base, 3002.5, 2)))
}

func TestCrossVenueBest(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	agg := NewAggregator(DefaultOptions())
	agg.now = func() time.Time { return now }

	// A 150-point cross of mid ~50075 is ~30 bps, past the 20 bps default.
	require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", 1, base, 50150, 50160)))
	require.NoError(t, agg.Ingest(snapEvent("kraken", "BTCUSDT", 7, base, 49990, 50000)))

	best, err := agg.GetCrossVenueBest("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "binance", best.BidVenue)
	assert.Equal(t, 50150.0, best.BestBid.Price)
	assert.Equal(t, "kraken", best.AskVenue)
	assert.Equal(t, 50000.0, best.BestAsk.Price)
	assert.True(t, best.GapBps > 0)
	assert.True(t, best.ArbFlag, "cross-venue bid above ask beyond threshold must flag")

	// One venue going stale drops it from the composite.
	now = base.Add(6 * time.Second)
	require.NoError(t, agg.Ingest(snapEvent("kraken", "BTCUSDT", 8, now, 49991, 50001)))
	best, err = agg.GetCrossVenueBest("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "kraken", best.BidVenue)
	assert.False(t, best.ArbFlag)
}

func TestAggregatorInvalidate(t *testing.T) {
	base := time.Now()
	agg := NewAggregator(DefaultOptions())

	require.NoError(t, agg.Ingest(snapEvent("binance", "SOLUSDT", 9, base, 150, 150.1)))
	agg.Invalidate("binance", "SOLUSDT")

	_, err := agg.GetSnapshot("SOLUSDT")
	require.ErrorIs(t, err, ErrStaleData)

	// Deltas are refused until a full snapshot arrives again.
	err = agg.Ingest(deltaEvent("binance", "SOLUSDT", 10, base, 149.9, 1))
	require.ErrorIs(t, err, ErrSequenceGap)
}

func TestSubscribeDropsInsteadOfBlocking(t *testing.T) {
	opts := DefaultOptions()
	opts.NotifyBuffer = 1
	agg := NewAggregator(opts)

	ch, cancel := agg.Subscribe()
	defer cancel()

	base := time.Now()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", i, base, 50000, 50010)))
	}

	// Buffer of one: exactly one update retained, ingest never stalled.
	select {
	case snap := <-ch:
		assert.Equal(t, "BTCUSDT", snap.Symbol)
	default:
		t.Fatal("expected at least one buffered snapshot")
	}
}

func TestMaxStalenessAndVolatility(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	agg := NewAggregator(DefaultOptions())
	agg.now = func() time.Time { return now }

	require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", 1, base, 50000, 50010)))
	require.NoError(t, agg.Ingest(snapEvent("binance", "ETHUSDT", 1, base.Add(-10*time.Second), 3000, 3001)))

	assert.Equal(t, 10*time.Second, agg.MaxStaleness())

	// A jumpy mid raises the EWMA volatility estimate.
	for i := int64(2); i < 30; i++ {
		px := 50000.0
		if i%2 == 0 {
			px = 51000.0
		}
		require.NoError(t, agg.Ingest(snapEvent("binance", "BTCUSDT", i, base.Add(time.Duration(i)*time.Second), px, px+10)))
	}
	assert.True(t, agg.MaxVolatility() > 0)
}

func TestBookDepthAndImbalance(t *testing.T) {
	b := newBookState()
	b.applySnapshot(RawEvent{
		Sequence: 1,
		Bids:     []BookLevel{{100, 6}, {99, 2}, {98, 1}},
		Asks:     []BookLevel{{101, 2}, {102, 1}},
	})

	bids, asks := b.topLevels(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.Equal(t, 100.0, bids[0].Price, "bids descend")
	assert.Equal(t, 101.0, asks[0].Price, "asks ascend")

	// (8 - 3) / 11 over the visible depth
	assert.InDelta(t, 5.0/11.0, imbalance(bids, asks), 1e-9)

	// Size zero removes a level.
	require.NoError(t, b.applyDelta(RawEvent{Sequence: 2, Bids: []BookLevel{{100, 0}}}))
	bids, _ = b.topLevels(3)
	assert.Equal(t, 99.0, bids[0].Price)
}

func TestBookRejectsStaleAndGappedDeltas(t *testing.T) {
	b := newBookState()
	err := b.applyDelta(RawEvent{Sequence: 1})
	require.ErrorIs(t, err, ErrSequenceGap, "delta before any snapshot")

	b.applySnapshot(RawEvent{Sequence: 10, Bids: []BookLevel{{100, 1}}})
	require.NoError(t, b.applyDelta(RawEvent{Sequence: 11}))

	require.ErrorIs(t, b.applyDelta(RawEvent{Sequence: 11}), ErrSequenceGap, "replayed sequence")
	assert.False(t, b.synced)
	require.ErrorIs(t, b.applyDelta(RawEvent{Sequence: 12}), ErrSequenceGap, "still unsynced")
}

func TestEWMAVolDecays(t *testing.T) {
	v := newEWMAVol(time.Minute)
	base := time.Now()
	assert.Equal(t, 0.0, v.update(100, base), "first observation primes only")

	vol := 0.0
	for i := 1; i <= 10; i++ {
		px := 100.0
		if i%2 == 0 {
			px = 102.0
		}
		vol = v.update(px, base.Add(time.Duration(i)*time.Second))
	}
	require.True(t, vol > 0)

	// A long calm stretch decays the estimate.
	calm := vol
	for i := 11; i <= 60; i++ {
		calm = v.update(100.0, base.Add(time.Duration(i)*time.Second))
	}
	assert.Less(t, calm, vol)
}
