package exchange

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfall/gatekeeper/internal/market"
)

type quoteStub struct {
	mu   sync.Mutex
	bid  float64
	ask  float64
	miss bool
}

func (q *quoteStub) set(bid, ask float64) {
	q.mu.Lock()
	q.bid, q.ask = bid, ask
	q.mu.Unlock()
}

func (q *quoteStub) GetSnapshot(symbol string) (market.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.miss {
		return market.Snapshot{}, fmt.Errorf("%s: %w", symbol, market.ErrUnknownInstrument)
	}
	return market.Snapshot{
		Symbol:    symbol,
		BestBid:   market.BookLevel{Price: q.bid, Size: 10},
		BestAsk:   market.BookLevel{Price: q.ask, Size: 10},
		Mid:       (q.bid + q.ask) / 2,
		Timestamp: time.Now(),
	}, nil
}

func TestPaperLimitOrderLifecycle(t *testing.T) {
	q := &quoteStub{bid: 99, ask: 101}
	p := NewPaperGateway("paper", q)
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: 100, Size: 2, ClientID: "c1",
	})
	require.NoError(t, err)

	st, err := p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderOpen, st.State, "ask above limit keeps the order resting")

	// The ask drops through the limit: next poll fills at the touch.
	q.set(99, 99.5)
	st, err = p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 2.0, st.FilledSize)
	assert.Equal(t, 99.5, st.AvgFillPrice)

	// Cancel after fill is a tolerated no-op.
	require.NoError(t, p.CancelOrder(ctx, ack.ExchangeOrderID))
}

func TestPaperMarketOrderFillsAtTouch(t *testing.T) {
	q := &quoteStub{bid: 99, ask: 101}
	p := NewPaperGateway("paper", q)
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: "sell", Type: "market", Size: 1, ClientID: "c2",
	})
	require.NoError(t, err)
	st, err := p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 99.0, st.AvgFillPrice, "sells hit the bid")
}

func TestPaperPartialFills(t *testing.T) {
	q := &quoteStub{bid: 99, ask: 100}
	p := NewPaperGateway("paper", q)
	p.SetPartialStep(1)
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: 100, Size: 3, ClientID: "c3",
	})
	require.NoError(t, err)

	st, _ := p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	assert.Equal(t, OrderPartially, st.State)

	for i := 0; i < 3; i++ {
		st, _ = p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	}
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 3.0, st.FilledSize)
}

func TestPaperRejectionsAndValidation(t *testing.T) {
	q := &quoteStub{bid: 99, ask: 101}
	p := NewPaperGateway("paper", q)
	ctx := context.Background()

	_, err := p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: 100, Size: 0})
	require.ErrorIs(t, err, ErrRejected, "zero size")

	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Size: 1})
	require.ErrorIs(t, err, ErrRejected, "limit without price")

	p.RejectNext(1)
	_, err = p.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: 100, Size: 1})
	require.ErrorIs(t, err, ErrRejected)

	err = p.CancelOrder(ctx, "nope")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = p.GetOrderStatus(ctx, "nope")
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPaperModifyReprices(t *testing.T) {
	q := &quoteStub{bid: 99, ask: 101}
	p := NewPaperGateway("paper", q)
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, OrderRequest{
		Symbol: "BTCUSDT", Side: "buy", Type: "limit", Price: 100, Size: 1, ClientID: "c4",
	})
	require.NoError(t, err)

	// Repricing across the ask fills on the modify itself.
	_, err = p.ModifyOrder(ctx, ack.ExchangeOrderID, 101.5, 0)
	require.NoError(t, err)
	st, _ := p.GetOrderStatus(ctx, ack.ExchangeOrderID)
	assert.Equal(t, OrderFilled, st.State)
	assert.Equal(t, 101.0, st.AvgFillPrice)

	_, err = p.ModifyOrder(ctx, ack.ExchangeOrderID, 99, 0)
	require.ErrorIs(t, err, ErrRejected, "modify after terminal")
}
