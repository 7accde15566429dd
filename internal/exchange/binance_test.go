package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/gatekeeper/internal/market"
)

func TestBinanceSnapshotRenumbersOntoStreamSequence(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"lastUpdateId": 8000000123, "bids": [["50000","1.5"]], "asks": [["50010","2"]]}`))
	}))
	defer ts.Close()

	feed := NewBinanceFeed("", ts.URL, nil)

	// Untracked symbol: the venue's raw update id passes through.
	raw, err := feed.BookSnapshot(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", raw.Symbol)
	assert.Equal(t, market.EventBookSnapshot, raw.Kind)
	assert.Equal(t, int64(8000000123), raw.Sequence)

	// A streaming symbol that lost sync gets the next contiguous
	// normalized number, not the venue's raw id, so the aggregator's gap
	// detection keeps working after a worker-triggered resync.
	feed.mu.Lock()
	feed.sync["BTCUSDT"] = &symbolSync{lastUpdateID: 7999999990, normSeq: 41}
	feed.mu.Unlock()

	snap, err := feed.BookSnapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Sequence)

	ss := feed.syncFor("BTCUSDT")
	feed.mu.Lock()
	synced, lastID := ss.synced, ss.lastUpdateID
	feed.mu.Unlock()
	assert.True(t, synced)
	assert.Equal(t, int64(8000000123), lastID)

	// The next delta validates against the snapshot baseline and
	// continues the normalized sequence.
	var got []market.RawEvent
	delta := json.RawMessage(`{"e":"depthUpdate","E":1700000000000,"s":"BTCUSDT","U":8000000124,"u":8000000130,"b":[["50001","1"]],"a":[]}`)
	err = feed.handleDepth(context.Background(), delta, func(ev market.RawEvent) { got = append(got, ev) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, market.EventBookDelta, got[0].Kind)
	assert.Equal(t, int64(43), got[0].Sequence)

	// A gapped delta desyncs the symbol and surfaces the sentinel.
	gapped := json.RawMessage(`{"e":"depthUpdate","E":1700000001000,"s":"BTCUSDT","U":8000000200,"u":8000000205,"b":[],"a":[]}`)
	err = feed.handleDepth(context.Background(), gapped, func(ev market.RawEvent) { t.Fatal("gapped delta must not reach the sink") })
	require.ErrorIs(t, err, market.ErrSequenceGap)
}
