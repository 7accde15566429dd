package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/quantfall/gatekeeper/internal/market"
)

// ErrRejected is returned when a venue refuses an order operation.
// The execution engine retries with bounded backoff before surfacing
// the failure.
var ErrRejected = errors.New("exchange rejected")

// ErrOrderNotFound is returned for status/cancel on an unknown order id.
var ErrOrderNotFound = errors.New("order not found")

// OrderRequest is a venue-neutral order placement request.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"` // "buy" or "sell"
	Type     string  `json:"type"` // "limit" or "market"
	Price    float64 `json:"price,omitempty"`
	Size     float64 `json:"size"`
	ClientID string  `json:"client_id"` // child order id, for idempotent placement
}

// OrderAck acknowledges accepted placement or modification.
type OrderAck struct {
	ExchangeOrderID string    `json:"exchange_order_id"`
	AcceptedAt      time.Time `json:"accepted_at"`
}

// OrderState is the venue-side lifecycle state of an order.
type OrderState string

const (
	OrderOpen      OrderState = "open"
	OrderPartially OrderState = "partially_filled"
	OrderFilled    OrderState = "filled"
	OrderCancelled OrderState = "cancelled"
	OrderRejected  OrderState = "rejected"
)

// OrderStatus is the venue's view of a working order.
type OrderStatus struct {
	ExchangeOrderID string     `json:"exchange_order_id"`
	State           OrderState `json:"state"`
	FilledSize      float64    `json:"filled_size"`
	AvgFillPrice    float64    `json:"avg_fill_price"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// MarketDataFeed is the streaming half of a venue adapter. Stream blocks
// until ctx is done or the connection fails; callers own reconnection.
type MarketDataFeed interface {
	Name() string
	// Stream delivers normalized events for the given symbols to sink.
	Stream(ctx context.Context, symbols []string, sink func(market.RawEvent)) error
	// BookSnapshot fetches a full book for resync after reconnect or gap.
	BookSnapshot(ctx context.Context, symbol string) (market.RawEvent, error)
}

// OrderGateway is the order-entry half of a venue adapter.
type OrderGateway interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	ModifyOrder(ctx context.Context, exchangeOrderID string, price, size float64) (OrderAck, error)
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderStatus, error)
}

// Adapter is the uniform capability set the core depends on. Concrete
// venue wire formats live behind it.
type Adapter interface {
	MarketDataFeed
	OrderGateway
}
