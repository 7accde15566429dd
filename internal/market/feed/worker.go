package feed

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfall/gatekeeper/internal/exchange"
	"github.com/quantfall/gatekeeper/internal/market"
	"github.com/quantfall/gatekeeper/internal/metrics"
)

// Worker owns one venue feed connection: it streams normalized events
// into the aggregator, forces a full resync on sequence gaps, and
// reconnects with exponential backoff. Feed loss never crashes the
// process; snapshots simply go stale until the feed recovers.
type Worker struct {
	feed    exchange.MarketDataFeed
	agg     *market.Aggregator
	symbols []string

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewWorker builds a feed worker for one venue connection.
func NewWorker(feed exchange.MarketDataFeed, agg *market.Aggregator, symbols []string, backoffBase, backoffMax time.Duration) *Worker {
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	if backoffMax <= 0 {
		backoffMax = 30 * time.Second
	}
	return &Worker{
		feed:        feed,
		agg:         agg,
		symbols:     symbols,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
	}
}

// Run blocks until ctx is cancelled, maintaining the venue connection.
func (w *Worker) Run(ctx context.Context) {
	venue := w.feed.Name()
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := w.feed.Stream(ctx, w.symbols, func(ev market.RawEvent) {
			w.ingest(ctx, ev)
		})
		if ctx.Err() != nil {
			return
		}

		// Every snapshot sourced from this venue is suspect now.
		for _, sym := range w.symbols {
			w.agg.Invalidate(venue, sym)
		}
		metrics.FeedReconnects.WithLabelValues(venue).Inc()

		// A connection that lived a while earns a fresh backoff ladder.
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		delay := w.backoff(attempt)
		attempt++
		log.Warn().Err(err).Str("venue", venue).Dur("retry_in", delay).
			Msg("feed disconnected, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// ingest hands one event to the aggregator. A sequence gap detected at
// the aggregator level triggers an immediate full-book resync; the
// snapshot stays stale until the resync lands.
func (w *Worker) ingest(ctx context.Context, ev market.RawEvent) {
	metrics.FeedEvents.WithLabelValues(ev.Venue, string(ev.Kind)).Inc()
	err := w.agg.Ingest(ev)
	if err == nil {
		return
	}
	if !errors.Is(err, market.ErrSequenceGap) {
		log.Warn().Err(err).Str("venue", ev.Venue).Str("symbol", ev.Symbol).Msg("ingest failed")
		return
	}

	metrics.FeedResyncs.WithLabelValues(ev.Venue).Inc()
	log.Warn().Str("venue", ev.Venue).Str("symbol", ev.Symbol).Int64("seq", ev.Sequence).
		Msg("sequence gap, forcing book resync")
	snap, serr := w.feed.BookSnapshot(ctx, ev.Symbol)
	if serr != nil {
		log.Error().Err(serr).Str("venue", ev.Venue).Str("symbol", ev.Symbol).
			Msg("book resync failed, snapshot stays stale")
		return
	}
	if ierr := w.agg.Ingest(snap); ierr != nil {
		log.Error().Err(ierr).Str("venue", ev.Venue).Str("symbol", ev.Symbol).
			Msg("resync snapshot ingest failed")
	}
}

// backoff returns base*2^attempt with jitter, capped at backoffMax.
func (w *Worker) backoff(attempt int) time.Duration {
	d := w.backoffBase << uint(attempt)
	if d > w.backoffMax || d <= 0 {
		d = w.backoffMax
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d - jitter
}
