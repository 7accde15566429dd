package market

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Options controls aggregator behavior. The aggregator keeps a copy;
// UpdateOptions swaps it for the next evaluation (hot reload path).
type Options struct {
	FreshnessWindow    time.Duration
	DepthLevels        int
	ArbGapBps          float64
	VolatilityHalflife time.Duration
	NotifyBuffer       int
	FlowHalflife       time.Duration // decay for trade-flow counters
}

// DefaultOptions returns aggregator defaults matching the config package.
func DefaultOptions() Options {
	return Options{
		FreshnessWindow:    5 * time.Second,
		DepthLevels:        10,
		ArbGapBps:          20.0,
		VolatilityHalflife: 5 * time.Minute,
		NotifyBuffer:       256,
		FlowHalflife:       30 * time.Second,
	}
}

// instrumentState is the mutable per venue+symbol state. Owned by the
// aggregator; everything handed out is a copy.
type instrumentState struct {
	mu       sync.Mutex
	book     *bookState
	vol      *ewmaVol
	buyFlow  float64
	sellFlow float64
	flowAt   time.Time
	snap     Snapshot
	hasSnap  bool
}

// Aggregator ingests raw per-exchange feed events, normalizes them into
// unified snapshots, and publishes state-changed notifications. Nothing
// on the ingest path blocks: slow subscribers lose updates rather than
// stalling the feed.
type Aggregator struct {
	optsMu sync.RWMutex
	opts   Options

	mu     sync.RWMutex
	states map[string]*instrumentState            // venue|symbol
	latest map[string]*instrumentState            // symbol -> freshest venue state
	venues map[string]map[string]*instrumentState // symbol -> venue -> state

	subMu   sync.RWMutex
	subs    map[int]chan Snapshot
	nextSub int

	now func() time.Time
}

// NewAggregator creates an aggregator with the given options.
func NewAggregator(opts Options) *Aggregator {
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 256
	}
	if opts.FlowHalflife <= 0 {
		opts.FlowHalflife = 30 * time.Second
	}
	return &Aggregator{
		opts:   opts,
		states: make(map[string]*instrumentState),
		latest: make(map[string]*instrumentState),
		venues: make(map[string]map[string]*instrumentState),
		subs:   make(map[int]chan Snapshot),
		now:    time.Now,
	}
}

// UpdateOptions swaps the active options; applied on the next update.
func (a *Aggregator) UpdateOptions(opts Options) {
	a.optsMu.Lock()
	a.opts = opts
	a.optsMu.Unlock()
}

func (a *Aggregator) options() Options {
	a.optsMu.RLock()
	defer a.optsMu.RUnlock()
	return a.opts
}

func stateKey(venue, symbol string) string { return venue + "|" + symbol }

func (a *Aggregator) state(venue, symbol string) *instrumentState {
	key := stateKey(venue, symbol)
	a.mu.RLock()
	st, ok := a.states[key]
	a.mu.RUnlock()
	if ok {
		return st
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.states[key]; ok {
		return st
	}
	opts := a.options()
	st = &instrumentState{
		book: newBookState(),
		vol:  newEWMAVol(opts.VolatilityHalflife),
	}
	a.states[key] = st
	if a.venues[symbol] == nil {
		a.venues[symbol] = make(map[string]*instrumentState)
	}
	a.venues[symbol][venue] = st
	return st
}

// Ingest applies one raw feed event atomically for its instrument.
// Book deltas with gapped sequence numbers return ErrSequenceGap and
// invalidate the book until the feed worker resyncs with a full snapshot.
func (a *Aggregator) Ingest(ev RawEvent) error {
	if ev.Venue == "" || ev.Symbol == "" {
		return fmt.Errorf("ingest: event missing venue or symbol")
	}
	st := a.state(ev.Venue, ev.Symbol)

	st.mu.Lock()
	switch ev.Kind {
	case EventBookSnapshot:
		st.book.applySnapshot(ev)
	case EventBookDelta:
		if err := st.book.applyDelta(ev); err != nil {
			st.snap.Stale = true
			st.mu.Unlock()
			return fmt.Errorf("%s %s seq %d after %d: %w",
				ev.Venue, ev.Symbol, ev.Sequence, st.book.lastSeq, ErrSequenceGap)
		}
	case EventTrade:
		a.applyTrade(st, ev)
	default:
		st.mu.Unlock()
		return fmt.Errorf("ingest: unknown event kind %q", ev.Kind)
	}

	if !st.book.synced {
		st.mu.Unlock()
		return nil
	}
	snap := a.rebuildSnapshot(st, ev)
	st.mu.Unlock()

	a.promote(ev.Symbol, st)
	a.publish(snap)
	return nil
}

// applyTrade decays and updates directional trade flow. Caller holds st.mu.
func (a *Aggregator) applyTrade(st *instrumentState, ev RawEvent) {
	opts := a.options()
	now := ev.Timestamp
	if !st.flowAt.IsZero() && now.After(st.flowAt) {
		decay := float64(now.Sub(st.flowAt)) / float64(opts.FlowHalflife)
		if decay > 1 {
			decay = 1
		}
		st.buyFlow *= 1 - decay
		st.sellFlow *= 1 - decay
	}
	st.flowAt = now
	if ev.TradeSide == "sell" {
		st.sellFlow += ev.TradeSz
	} else {
		st.buyFlow += ev.TradeSz
	}
	if ev.TradePx > 0 {
		st.vol.update(ev.TradePx, ev.Timestamp)
	}
}

// rebuildSnapshot recomputes the published snapshot. Caller holds st.mu.
func (a *Aggregator) rebuildSnapshot(st *instrumentState, ev RawEvent) Snapshot {
	opts := a.options()
	bids, asks := st.book.topLevels(opts.DepthLevels)

	snap := Snapshot{
		Symbol:    ev.Symbol,
		Venue:     ev.Venue,
		Sequence:  st.book.lastSeq,
		Timestamp: ev.Timestamp,
		BuyFlow:   st.buyFlow,
		SellFlow:  st.sellFlow,
	}
	if len(bids) > 0 {
		snap.BestBid = bids[0]
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0]
	}
	if snap.BestBid.Price > 0 && snap.BestAsk.Price > 0 {
		snap.Mid = (snap.BestBid.Price + snap.BestAsk.Price) / 2
		snap.SpreadBps = (snap.BestAsk.Price - snap.BestBid.Price) / snap.Mid * 10000
		snap.Volatility = st.vol.update(snap.Mid, ev.Timestamp)
	}
	snap.Imbalance = imbalance(bids, asks)

	st.snap = snap
	st.hasSnap = true
	return snap
}

// promote records st as the freshest state for the symbol if it is.
func (a *Aggregator) promote(symbol string, st *instrumentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur, ok := a.latest[symbol]
	if !ok || cur == st {
		a.latest[symbol] = st
		return
	}
	cur.mu.Lock()
	curTS := cur.snap.Timestamp
	cur.mu.Unlock()
	st.mu.Lock()
	newTS := st.snap.Timestamp
	st.mu.Unlock()
	if newTS.After(curTS) {
		a.latest[symbol] = st
	}
}

// GetSnapshot returns the latest immutable snapshot for a symbol, or
// ErrStaleData when no update arrived within the freshness window.
func (a *Aggregator) GetSnapshot(symbol string) (Snapshot, error) {
	a.mu.RLock()
	st, ok := a.latest[symbol]
	a.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", symbol, ErrUnknownInstrument)
	}

	st.mu.Lock()
	snap := st.snap
	has := st.hasSnap
	st.mu.Unlock()
	if !has {
		return Snapshot{}, fmt.Errorf("%s: %w", symbol, ErrUnknownInstrument)
	}

	opts := a.options()
	if snap.Stale || !snap.Fresh(a.now(), opts.FreshnessWindow) {
		snap.Stale = true
		return snap, fmt.Errorf("%s age %s: %w", symbol, a.now().Sub(snap.Timestamp), ErrStaleData)
	}
	return snap, nil
}

// GetCrossVenueBest returns the best bid/ask across all connected venues
// and flags a cross-venue arbitrage gap above the configured threshold.
func (a *Aggregator) GetCrossVenueBest(symbol string) (CrossVenueBest, error) {
	a.mu.RLock()
	venues := a.venues[symbol]
	states := make(map[string]*instrumentState, len(venues))
	for v, st := range venues {
		states[v] = st
	}
	a.mu.RUnlock()
	if len(states) == 0 {
		return CrossVenueBest{}, fmt.Errorf("%s: %w", symbol, ErrUnknownInstrument)
	}

	opts := a.options()
	now := a.now()
	best := CrossVenueBest{Symbol: symbol, Timestamp: now}
	fresh := 0
	for venue, st := range states {
		st.mu.Lock()
		snap := st.snap
		has := st.hasSnap
		st.mu.Unlock()
		if !has || !snap.Fresh(now, opts.FreshnessWindow) {
			continue
		}
		fresh++
		if snap.BestBid.Price > best.BestBid.Price {
			best.BestBid = snap.BestBid
			best.BidVenue = venue
		}
		if snap.BestAsk.Price > 0 && (best.BestAsk.Price == 0 || snap.BestAsk.Price < best.BestAsk.Price) {
			best.BestAsk = snap.BestAsk
			best.AskVenue = venue
		}
	}
	if fresh == 0 {
		return best, fmt.Errorf("%s: no fresh venue: %w", symbol, ErrStaleData)
	}
	if best.BestBid.Price > 0 && best.BestAsk.Price > 0 {
		mid := (best.BestBid.Price + best.BestAsk.Price) / 2
		best.GapBps = (best.BestBid.Price - best.BestAsk.Price) / mid * 10000
		if best.BidVenue != best.AskVenue && best.GapBps >= opts.ArbGapBps {
			best.ArbFlag = true
			log.Debug().Str("symbol", symbol).Float64("gap_bps", best.GapBps).
				Str("bid_venue", best.BidVenue).Str("ask_venue", best.AskVenue).
				Msg("cross-venue arbitrage gap flagged")
		}
	}
	return best, nil
}

// Invalidate marks an instrument's state stale and forces a resync,
// used by feed workers on disconnect or sequence gap.
func (a *Aggregator) Invalidate(venue, symbol string) {
	st := a.state(venue, symbol)
	st.mu.Lock()
	st.book.synced = false
	st.snap.Stale = true
	st.mu.Unlock()
}

// MaxStaleness returns the age of the oldest latest-snapshot across all
// instruments, used by the system tier's staleness trip condition.
// Returns 0 when nothing has been ingested yet.
func (a *Aggregator) MaxStaleness() time.Duration {
	a.mu.RLock()
	states := make([]*instrumentState, 0, len(a.latest))
	for _, st := range a.latest {
		states = append(states, st)
	}
	a.mu.RUnlock()

	now := a.now()
	var worst time.Duration
	for _, st := range states {
		st.mu.Lock()
		has := st.hasSnap
		ts := st.snap.Timestamp
		st.mu.Unlock()
		if !has {
			continue
		}
		if age := now.Sub(ts); age > worst {
			worst = age
		}
	}
	return worst
}

// MaxVolatility returns the highest EWMA realized volatility across all
// instruments with a published snapshot.
func (a *Aggregator) MaxVolatility() float64 {
	a.mu.RLock()
	states := make([]*instrumentState, 0, len(a.latest))
	for _, st := range a.latest {
		states = append(states, st)
	}
	a.mu.RUnlock()

	var worst float64
	for _, st := range states {
		st.mu.Lock()
		if st.hasSnap && st.snap.Volatility > worst {
			worst = st.snap.Volatility
		}
		st.mu.Unlock()
	}
	return worst
}

// Subscribe registers a snapshot listener. Delivery is best-effort:
// a full buffer drops updates instead of blocking ingestion. The
// returned cancel func unregisters and closes the channel.
func (a *Aggregator) Subscribe() (<-chan Snapshot, func()) {
	opts := a.options()
	ch := make(chan Snapshot, opts.NotifyBuffer)

	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = ch
	a.subMu.Unlock()

	cancel := func() {
		a.subMu.Lock()
		if c, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(c)
		}
		a.subMu.Unlock()
	}
	return ch, cancel
}

func (a *Aggregator) publish(snap Snapshot) {
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for _, ch := range a.subs {
		select {
		case ch <- snap:
		default:
			// subscriber lagging; it can re-read via GetSnapshot
		}
	}
}
