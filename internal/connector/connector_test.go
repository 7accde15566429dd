package connector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/gatekeeper/internal/config"
	"github.com/quantfall/gatekeeper/internal/exchange"
	"github.com/quantfall/gatekeeper/internal/exec"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/model"
	"github.com/quantfall/gatekeeper/internal/portfolio"
	"github.com/quantfall/gatekeeper/internal/risk"
)

type fixedQuotes struct {
	mu    sync.Mutex
	snaps map[string]market.Snapshot
}

func (f *fixedQuotes) set(symbol string, bid, ask, vol float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mid := (bid + ask) / 2
	f.snaps[symbol] = market.Snapshot{
		Symbol:  symbol,
		BestBid: market.BookLevel{Price: bid, Size: 50},
		BestAsk: market.BookLevel{Price: ask, Size: 50},
		Mid:     mid, SpreadBps: (ask - bid) / mid * 10000,
		Volatility: vol,
	}
}

func (f *fixedQuotes) GetSnapshot(symbol string) (market.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[symbol]
	if !ok {
		return market.Snapshot{}, fmt.Errorf("%s: %w", symbol, market.ErrUnknownInstrument)
	}
	snap.Timestamp = time.Now()
	return snap, nil
}

func newTestConnector(t *testing.T) (*Connector, *fixedQuotes, *risk.CircuitBreaker) {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.PollInterval = 5 * time.Millisecond
	cfgFn := func() *config.Config { return cfg }

	quotes := &fixedQuotes{snaps: make(map[string]market.Snapshot)}
	pf := portfolio.NewStore(100_000)
	breaker := risk.NewCircuitBreaker(cfgFn, pf,
		func() time.Duration { return 0 }, func() float64 { return 0 })
	gate := risk.NewGate(cfgFn, breaker, pf, quotes)
	paper := exchange.NewPaperGateway("paper", quotes)
	engine := exec.NewEngine(cfgFn, gate, paper, quotes, pf)
	return New(cfgFn, gate, engine), quotes, breaker
}

func TestSubmitIntentEndToEnd(t *testing.T) {
	conn, quotes, _ := newTestConnector(t)
	quotes.set("BTCUSDT", 99.9, 100.1, 0.001)

	it := model.NewTradeIntent("BTCUSDT", model.SideLong, 1_000, model.UrgencyPassive, model.RegimeTrending)
	it.LimitPrice = 101

	handle, verdict, err := conn.SubmitIntent(context.Background(), it)
	require.NoError(t, err)
	require.True(t, verdict.Approved)
	require.NotNil(t, handle)

	// Submission returned before completion; the report comes via await.
	report, err := conn.AwaitReport(context.Background(), handle, 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, exec.StateFilled, report.State)
	assert.Equal(t, it.ID, report.IntentID)

	// Idempotent after terminal.
	again, err := conn.AwaitReport(context.Background(), handle, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, report, again)
}

func TestSubmitIntentRejected(t *testing.T) {
	conn, quotes, _ := newTestConnector(t)
	quotes.set("BTCUSDT", 99.9, 100.1, 0.001)

	it := model.NewTradeIntent("BTCUSDT", model.SideLong, 1_000, model.UrgencyNormal, model.RegimeNoise)
	handle, verdict, err := conn.SubmitIntent(context.Background(), it)
	require.ErrorIs(t, err, risk.ErrRejected)
	assert.Nil(t, handle)
	assert.False(t, verdict.Approved)
	assert.Equal(t, "regime=noise", verdict.Reason)
}

func TestQueryRiskStatusReflectsBreaker(t *testing.T) {
	conn, quotes, breaker := newTestConnector(t)
	quotes.set("BTCUSDT", 99.9, 100.1, 0.001)

	st := conn.QueryRiskStatus()
	assert.False(t, st.Breaker.Tripped)
	assert.Equal(t, 100_000.0, st.Equity)

	breaker.Trip(context.Background(), "operator_halt")
	st = conn.QueryRiskStatus()
	assert.True(t, st.Breaker.Tripped)
	assert.Equal(t, "operator_halt", st.Breaker.Reason)

	it := model.NewTradeIntent("BTCUSDT", model.SideLong, 1_000, model.UrgencyNormal, model.RegimeTrending)
	_, verdict, err := conn.SubmitIntent(context.Background(), it)
	require.ErrorIs(t, err, risk.ErrRejected)
	require.ErrorIs(t, err, risk.ErrCircuitOpen)
	assert.Equal(t, "circuit_breaker", verdict.Reason)
}

func TestQueryStateLifecycle(t *testing.T) {
	conn, quotes, _ := newTestConnector(t)
	quotes.set("BTCUSDT", 99.9, 100.1, 0.001)

	it := model.NewTradeIntent("BTCUSDT", model.SideLong, 1_000, model.UrgencyPassive, model.RegimeTrending)
	it.LimitPrice = 50 // rests

	handle, _, err := conn.SubmitIntent(context.Background(), it)
	require.NoError(t, err)

	progress, ok := conn.QueryState(handle.ExecutionID())
	require.True(t, ok)
	assert.Equal(t, exec.StateWorking, progress.State)
	assert.Equal(t, it.ID, progress.IntentID)

	_, ok = conn.QueryState("nonexistent")
	assert.False(t, ok)
}
