package market

import (
	"errors"
	"time"
)

// ErrStaleData is returned when a snapshot is older than the freshness
// window. Evaluations on that instrument must block until a fresh update
// arrives; other instruments are unaffected.
var ErrStaleData = errors.New("market data stale")

// ErrSequenceGap signals a gapped or out-of-order book delta. The feed
// worker must perform a full resync before any further snapshot for the
// instrument is published as non-stale.
var ErrSequenceGap = errors.New("book sequence gap")

// ErrUnknownInstrument is returned for symbols with no state yet.
var ErrUnknownInstrument = errors.New("unknown instrument")

// EventKind discriminates raw feed events.
type EventKind string

const (
	EventBookSnapshot EventKind = "book_snapshot"
	EventBookDelta    EventKind = "book_delta"
	EventTrade        EventKind = "trade"
)

// BookLevel is one price level of an order book side.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// RawEvent is a normalized per-venue feed event handed to the aggregator.
// Venue adapters translate wire formats into this shape.
type RawEvent struct {
	Venue     string      `json:"venue"`
	Symbol    string      `json:"symbol"`
	Kind      EventKind   `json:"kind"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookLevel `json:"bids,omitempty"` // snapshot: full side; delta: changed levels (size 0 removes)
	Asks      []BookLevel `json:"asks,omitempty"`
	TradePx   float64     `json:"trade_px,omitempty"`
	TradeSz   float64     `json:"trade_sz,omitempty"`
	TradeSide string      `json:"trade_side,omitempty"` // "buy" or "sell"
}

// Snapshot is the unified per-instrument market state. It is an immutable
// copy: the aggregator owns the mutable state and hands out values.
type Snapshot struct {
	Symbol     string    `json:"symbol"`
	Venue      string    `json:"venue"`
	BestBid    BookLevel `json:"best_bid"`
	BestAsk    BookLevel `json:"best_ask"`
	Mid        float64   `json:"mid"`
	SpreadBps  float64   `json:"spread_bps"`
	Imbalance  float64   `json:"imbalance"`  // signed bid/ask depth ratio in [-1,1]
	Volatility float64   `json:"volatility"` // EWMA realized vol of mid returns
	BuyFlow    float64   `json:"buy_flow"`   // recent taker buy volume
	SellFlow   float64   `json:"sell_flow"`  // recent taker sell volume
	Sequence   int64     `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	Stale      bool      `json:"stale"`
}

// Fresh reports whether the snapshot is within the freshness window.
func (s Snapshot) Fresh(now time.Time, window time.Duration) bool {
	return !s.Stale && now.Sub(s.Timestamp) <= window
}

// CrossVenueBest is the best bid/ask across all connected venues.
type CrossVenueBest struct {
	Symbol    string    `json:"symbol"`
	BestBid   BookLevel `json:"best_bid"`
	BidVenue  string    `json:"bid_venue"`
	BestAsk   BookLevel `json:"best_ask"`
	AskVenue  string    `json:"ask_venue"`
	GapBps    float64   `json:"gap_bps"` // positive when bid > ask across venues
	ArbFlag   bool      `json:"arb_flag"`
	Timestamp time.Time `json:"timestamp"`
}
