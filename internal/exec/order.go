package exec

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChildState is the lifecycle state of one child order. Transitions are
// validated: an order can never leave a terminal state, and fills can
// never regress.
type ChildState string

const (
	ChildCreated         ChildState = "created"
	ChildSubmitted       ChildState = "submitted"
	ChildPartiallyFilled ChildState = "partially_filled"
	ChildFilled          ChildState = "filled"
	ChildCancelled       ChildState = "cancelled"
	ChildRejected        ChildState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s ChildState) Terminal() bool {
	switch s {
	case ChildFilled, ChildCancelled, ChildRejected:
		return true
	}
	return false
}

var childTransitions = map[ChildState][]ChildState{
	ChildCreated:         {ChildSubmitted, ChildRejected, ChildCancelled},
	ChildSubmitted:       {ChildPartiallyFilled, ChildFilled, ChildCancelled, ChildRejected},
	ChildPartiallyFilled: {ChildPartiallyFilled, ChildFilled, ChildCancelled},
}

// ChildOrder is one venue order worked on behalf of a parent execution.
type ChildOrder struct {
	ID         string     `json:"id"`
	ExchangeID string     `json:"exchange_id,omitempty"`
	Symbol     string     `json:"symbol"`
	Side       string     `json:"side"` // "buy" or "sell"
	Type       string     `json:"type"` // "limit" or "market"
	Price      float64    `json:"price,omitempty"`
	Size       float64    `json:"size"`
	FilledSize float64    `json:"filled_size"`
	AvgFillPx  float64    `json:"avg_fill_px"`
	State      ChildState `json:"state"`
	Attempts   int        `json:"attempts"` // placement attempts including retries
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func newChildOrder(symbol, side, typ string, price, size float64) *ChildOrder {
	now := time.Now()
	return &ChildOrder{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Size:      size,
		State:     ChildCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transition moves the child to a new state, rejecting illegal moves.
func (c *ChildOrder) transition(to ChildState) error {
	if c.State == to {
		c.UpdatedAt = time.Now()
		return nil
	}
	for _, legal := range childTransitions[c.State] {
		if legal == to {
			c.State = to
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("child %s: illegal transition %s -> %s", c.ID, c.State, to)
}

// recordFill applies a monotone fill update. Fill quantity never
// decreases; a shrinking venue report is ignored as a stale read.
func (c *ChildOrder) recordFill(filled, avgPx float64) float64 {
	if filled <= c.FilledSize {
		return 0
	}
	delta := filled - c.FilledSize
	c.FilledSize = filled
	if avgPx > 0 {
		c.AvgFillPx = avgPx
	}
	c.UpdatedAt = time.Now()
	return delta
}

// Remaining is the unfilled portion of the child order.
func (c *ChildOrder) Remaining() float64 {
	r := c.Size - c.FilledSize
	if r < 0 {
		return 0
	}
	return r
}
