package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/ratelimit"
)

// BinanceFeed streams normalized book deltas and trades from Binance
// public endpoints. Diff-depth events carry [U,u] update-id ranges; the
// feed validates them against the REST snapshot's lastUpdateId and emits
// contiguous per-symbol sequence numbers, so downstream gap detection in
// the aggregator stays venue-agnostic.
type BinanceFeed struct {
	wsURL   string
	restURL string
	client  *http.Client
	limiter *ratelimit.Limiter

	mu   sync.Mutex
	sync map[string]*symbolSync // per-symbol diff-depth state, shared with BookSnapshot
}

// NewBinanceFeed creates a market data feed. Empty URLs use production
// endpoints; tests point them at local servers.
func NewBinanceFeed(wsURL, restURL string, limiter *ratelimit.Limiter) *BinanceFeed {
	if wsURL == "" {
		wsURL = "wss://stream.binance.com:9443"
	}
	if restURL == "" {
		restURL = "https://api.binance.com"
	}
	return &BinanceFeed{
		wsURL:   wsURL,
		restURL: restURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		sync:    make(map[string]*symbolSync),
	}
}

func (b *BinanceFeed) Name() string { return "binance" }

type binanceDepthUpdate struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

type binanceTrade struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	BuyerIsMaker bool   `json:"m"`
}

type binanceStreamMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceDepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// symbolSync tracks per-symbol diff-depth synchronization state. Both
// the stream loop and BookSnapshot advance the same contiguous counter,
// so a REST resync never forks the sequence space.
type symbolSync struct {
	lastUpdateID int64 // venue update id of last applied event
	normSeq      int64 // contiguous sequence emitted downstream
	synced       bool
}

func (b *BinanceFeed) syncFor(symbol string) *symbolSync {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sync[symbol]
}

// Stream connects the combined depth+trade stream for the symbols and
// delivers normalized events until ctx is done or the connection drops.
func (b *BinanceFeed) Stream(ctx context.Context, symbols []string, sink func(market.RawEvent)) error {
	streams := make([]string, 0, len(symbols)*2)
	for _, s := range symbols {
		lower := strings.ToLower(s)
		streams = append(streams, lower+"@depth@100ms", lower+"@trade")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", b.wsURL, strings.Join(streams, "/"))

	ws, err := dialWS(ctx, url)
	if err != nil {
		return err
	}
	defer ws.close()

	b.mu.Lock()
	b.sync = make(map[string]*symbolSync, len(symbols))
	for _, s := range symbols {
		b.sync[strings.ToUpper(s)] = &symbolSync{}
	}
	b.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := ws.readMessage()
		if err != nil {
			return fmt.Errorf("binance stream read: %w", err)
		}
		var msg binanceStreamMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Err(err).Msg("binance: undecodable stream frame")
			continue
		}
		switch {
		case strings.Contains(msg.Stream, "@depth"):
			if err := b.handleDepth(ctx, msg.Data, sink); err != nil {
				return err
			}
		case strings.Contains(msg.Stream, "@trade"):
			b.handleTrade(msg.Data, sink)
		}
	}
}

func (b *BinanceFeed) handleDepth(ctx context.Context, data json.RawMessage, sink func(market.RawEvent)) error {
	var du binanceDepthUpdate
	if err := json.Unmarshal(data, &du); err != nil {
		log.Warn().Err(err).Msg("binance: undecodable depth update")
		return nil
	}
	ss := b.syncFor(du.Symbol)
	if ss == nil {
		return nil
	}

	b.mu.Lock()
	synced := ss.synced
	b.mu.Unlock()
	if !synced {
		// Establish a baseline: snapshot first, then validate the diff
		// against lastUpdateId per the venue's resync protocol.
		// BookSnapshot renumbers and marks the symbol synced.
		snap, err := b.BookSnapshot(ctx, du.Symbol)
		if err != nil {
			return fmt.Errorf("binance resync %s: %w", du.Symbol, err)
		}
		sink(snap)
	}

	b.mu.Lock()
	if du.FinalID <= ss.lastUpdateID {
		b.mu.Unlock()
		return nil // pre-snapshot event, drop
	}
	if du.FirstID > ss.lastUpdateID+1 {
		// Missed updates between snapshot/last event and this one.
		ss.synced = false
		last := ss.lastUpdateID
		b.mu.Unlock()
		return fmt.Errorf("binance %s: update gap [%d,%d] after %d: %w",
			du.Symbol, du.FirstID, du.FinalID, last, market.ErrSequenceGap)
	}
	ss.lastUpdateID = du.FinalID
	ss.normSeq++
	seq := ss.normSeq
	b.mu.Unlock()

	sink(market.RawEvent{
		Venue:     b.Name(),
		Symbol:    du.Symbol,
		Kind:      market.EventBookDelta,
		Sequence:  seq,
		Timestamp: time.UnixMilli(du.EventTime),
		Bids:      parseLevels(du.Bids),
		Asks:      parseLevels(du.Asks),
	})
	return nil
}

func (b *BinanceFeed) handleTrade(data json.RawMessage, sink func(market.RawEvent)) {
	var tr binanceTrade
	if err := json.Unmarshal(data, &tr); err != nil {
		log.Warn().Err(err).Msg("binance: undecodable trade")
		return
	}
	px, _ := strconv.ParseFloat(tr.Price, 64)
	sz, _ := strconv.ParseFloat(tr.Quantity, 64)
	side := "buy"
	if tr.BuyerIsMaker {
		side = "sell" // taker sold into the bid
	}
	sink(market.RawEvent{
		Venue:     b.Name(),
		Symbol:    tr.Symbol,
		Kind:      market.EventTrade,
		Timestamp: time.UnixMilli(tr.EventTime),
		TradePx:   px,
		TradeSz:   sz,
		TradeSide: side,
	})
}

// BookSnapshot fetches a full depth snapshot for resync. For a symbol
// the stream is tracking, the snapshot is renumbered onto the feed's
// contiguous sequence space and the symbol is marked synced, so deltas
// that follow it line up whether the resync was triggered inside the
// stream loop or by the feed worker. Untracked symbols carry the
// venue's raw lastUpdateId.
func (b *BinanceFeed) BookSnapshot(ctx context.Context, symbol string) (market.RawEvent, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx, b.Name()); err != nil {
			return market.RawEvent{}, err
		}
	}
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=1000", b.restURL, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return market.RawEvent{}, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return market.RawEvent{}, fmt.Errorf("binance depth snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return market.RawEvent{}, fmt.Errorf("binance depth snapshot: status %d", resp.StatusCode)
	}
	var snap binanceDepthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return market.RawEvent{}, fmt.Errorf("binance depth snapshot decode: %w", err)
	}
	ev := market.RawEvent{
		Venue:     b.Name(),
		Symbol:    strings.ToUpper(symbol),
		Kind:      market.EventBookSnapshot,
		Sequence:  snap.LastUpdateID,
		Timestamp: time.Now(),
		Bids:      parseLevels(snap.Bids),
		Asks:      parseLevels(snap.Asks),
	}
	b.mu.Lock()
	if ss, ok := b.sync[ev.Symbol]; ok {
		ss.lastUpdateID = snap.LastUpdateID
		ss.normSeq++
		ss.synced = true
		ev.Sequence = ss.normSeq
	}
	b.mu.Unlock()
	return ev, nil
}

func parseLevels(raw [][]string) []market.BookLevel {
	levels := make([]market.BookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		px, err1 := strconv.ParseFloat(pair[0], 64)
		sz, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		levels = append(levels, market.BookLevel{Price: px, Size: sz})
	}
	return levels
}
