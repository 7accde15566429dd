package market

import (
	"sort"
)

// bookState holds the mutable order book for one venue+symbol. It is
// only touched by the aggregator under the instrument lock.
type bookState struct {
	bids map[float64]float64
	asks map[float64]float64

	lastSeq int64
	synced  bool // false until a full snapshot has been applied
}

func newBookState() *bookState {
	return &bookState{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// applySnapshot replaces the whole book and resets sequence tracking.
func (b *bookState) applySnapshot(ev RawEvent) {
	b.bids = make(map[float64]float64, len(ev.Bids))
	b.asks = make(map[float64]float64, len(ev.Asks))
	for _, lvl := range ev.Bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range ev.Asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.lastSeq = ev.Sequence
	b.synced = true
}

// applyDelta applies changed levels. A gapped or out-of-order sequence
// invalidates the book: the caller must trigger a resync and no snapshot
// is published until a fresh full snapshot arrives.
func (b *bookState) applyDelta(ev RawEvent) error {
	if !b.synced {
		return ErrSequenceGap
	}
	if ev.Sequence != b.lastSeq+1 {
		b.synced = false
		return ErrSequenceGap
	}
	for _, lvl := range ev.Bids {
		if lvl.Size <= 0 {
			delete(b.bids, lvl.Price)
		} else {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	for _, lvl := range ev.Asks {
		if lvl.Size <= 0 {
			delete(b.asks, lvl.Price)
		} else {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.lastSeq = ev.Sequence
	return nil
}

// topLevels returns up to n levels per side, bids descending, asks ascending.
func (b *bookState) topLevels(n int) (bids, asks []BookLevel) {
	bids = make([]BookLevel, 0, len(b.bids))
	for px, sz := range b.bids {
		bids = append(bids, BookLevel{Price: px, Size: sz})
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	if len(bids) > n {
		bids = bids[:n]
	}

	asks = make([]BookLevel, 0, len(b.asks))
	for px, sz := range b.asks {
		asks = append(asks, BookLevel{Price: px, Size: sz})
	}
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })
	if len(asks) > n {
		asks = asks[:n]
	}
	return bids, asks
}

// imbalance is the signed bid/ask depth ratio within the top n levels:
// (bidDepth - askDepth) / (bidDepth + askDepth), in [-1, 1].
func imbalance(bids, asks []BookLevel) float64 {
	var bidDepth, askDepth float64
	for _, lvl := range bids {
		bidDepth += lvl.Size
	}
	for _, lvl := range asks {
		askDepth += lvl.Size
	}
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	return (bidDepth - askDepth) / total
}
