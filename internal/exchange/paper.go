package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfall/gatekeeper/internal/market"
)

// QuoteSource supplies the current market snapshot for paper fills.
// The aggregator satisfies it; tests use a scripted stub.
type QuoteSource interface {
	GetSnapshot(symbol string) (market.Snapshot, error)
}

// PaperGateway simulates an order gateway against live quotes. It backs
// paper-trading runs and execution tests: limit orders rest until the
// opposite side crosses their price, market orders fill at the touch.
// Fill state advances lazily on every status poll.
type PaperGateway struct {
	name   string
	quotes QuoteSource

	mu     sync.Mutex
	orders map[string]*paperOrder

	// Test hooks.
	rejectNext  int     // reject this many placements/modifies up front
	partialStep float64 // when >0, fill at most this size per poll
}

type paperOrder struct {
	req     OrderRequest
	state   OrderState
	filled  float64
	avgPx   float64
	updated time.Time
}

// NewPaperGateway creates a simulated gateway named like a real venue.
func NewPaperGateway(name string, quotes QuoteSource) *PaperGateway {
	return &PaperGateway{
		name:   name,
		quotes: quotes,
		orders: make(map[string]*paperOrder),
	}
}

// RejectNext makes the next n placements fail with ErrRejected (tests).
func (p *PaperGateway) RejectNext(n int) {
	p.mu.Lock()
	p.rejectNext = n
	p.mu.Unlock()
}

// SetPartialStep caps fill size per poll to force partial fills (tests).
func (p *PaperGateway) SetPartialStep(step float64) {
	p.mu.Lock()
	p.partialStep = step
	p.mu.Unlock()
}

func (p *PaperGateway) Name() string { return p.name }

func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}
	if req.Size <= 0 {
		return OrderAck{}, fmt.Errorf("size %.8f: %w", req.Size, ErrRejected)
	}
	if req.Type == "limit" && req.Price <= 0 {
		return OrderAck{}, fmt.Errorf("limit order without price: %w", ErrRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectNext > 0 {
		p.rejectNext--
		return OrderAck{}, fmt.Errorf("paper venue rejecting: %w", ErrRejected)
	}
	id := uuid.NewString()
	ord := &paperOrder{req: req, state: OrderOpen, updated: time.Now()}
	p.orders[id] = ord
	p.advanceLocked(id, ord)
	return OrderAck{ExchangeOrderID: id, AcceptedAt: time.Now()}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("%s: %w", exchangeOrderID, ErrOrderNotFound)
	}
	p.advanceLocked(exchangeOrderID, ord)
	switch ord.state {
	case OrderFilled, OrderCancelled, OrderRejected:
		return nil // already terminal; cancel is a no-op
	}
	ord.state = OrderCancelled
	ord.updated = time.Now()
	return nil
}

func (p *PaperGateway) ModifyOrder(ctx context.Context, exchangeOrderID string, price, size float64) (OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return OrderAck{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectNext > 0 {
		p.rejectNext--
		return OrderAck{}, fmt.Errorf("paper venue rejecting modify: %w", ErrRejected)
	}
	ord, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderAck{}, fmt.Errorf("%s: %w", exchangeOrderID, ErrOrderNotFound)
	}
	p.advanceLocked(exchangeOrderID, ord)
	switch ord.state {
	case OrderFilled, OrderCancelled, OrderRejected:
		return OrderAck{}, fmt.Errorf("modify terminal order: %w", ErrRejected)
	}
	ord.req.Price = price
	if size > 0 {
		ord.req.Size = size
	}
	ord.updated = time.Now()
	p.advanceLocked(exchangeOrderID, ord)
	return OrderAck{ExchangeOrderID: exchangeOrderID, AcceptedAt: time.Now()}, nil
}

func (p *PaperGateway) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatus, error) {
	if err := ctx.Err(); err != nil {
		return OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderStatus{}, fmt.Errorf("%s: %w", exchangeOrderID, ErrOrderNotFound)
	}
	p.advanceLocked(exchangeOrderID, ord)
	return OrderStatus{
		ExchangeOrderID: exchangeOrderID,
		State:           ord.state,
		FilledSize:      ord.filled,
		AvgFillPrice:    ord.avgPx,
		UpdatedAt:       ord.updated,
	}, nil
}

// advanceLocked simulates matching against the current quote.
func (p *PaperGateway) advanceLocked(id string, ord *paperOrder) {
	if ord.state != OrderOpen && ord.state != OrderPartially {
		return
	}
	snap, err := p.quotes.GetSnapshot(ord.req.Symbol)
	if err != nil {
		return // no quote, order keeps resting
	}

	var fillPx float64
	switch {
	case ord.req.Type == "market" && ord.req.Side == "buy" && snap.BestAsk.Price > 0:
		fillPx = snap.BestAsk.Price
	case ord.req.Type == "market" && ord.req.Side == "sell" && snap.BestBid.Price > 0:
		fillPx = snap.BestBid.Price
	case ord.req.Side == "buy" && snap.BestAsk.Price > 0 && snap.BestAsk.Price <= ord.req.Price:
		fillPx = snap.BestAsk.Price
	case ord.req.Side == "sell" && snap.BestBid.Price > 0 && snap.BestBid.Price >= ord.req.Price:
		fillPx = snap.BestBid.Price
	default:
		return // not crossed
	}

	remaining := ord.req.Size - ord.filled
	fillSz := remaining
	if p.partialStep > 0 && p.partialStep < remaining {
		fillSz = p.partialStep
	}

	ord.avgPx = (ord.avgPx*ord.filled + fillPx*fillSz) / (ord.filled + fillSz)
	ord.filled += fillSz
	ord.updated = time.Now()
	if ord.req.Size-ord.filled <= 1e-12 {
		ord.filled = ord.req.Size
		ord.state = OrderFilled
	} else {
		ord.state = OrderPartially
	}
}
