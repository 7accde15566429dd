package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter provides per-venue request rate limiting using token buckets.
// Venue REST budgets differ, so each venue gets its own bucket; unknown
// venues get the default budget on first use.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	defRPS   float64
	defBurst int
}

// New creates a limiter with default per-venue RPS and burst.
func New(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		defRPS:   rps,
		defBurst: burst,
	}
}

// Configure sets an explicit budget for a venue, replacing any existing one.
func (l *Limiter) Configure(venue string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[venue] = rate.NewLimiter(rate.Limit(rps), burst)
}

func (l *Limiter) get(venue string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[venue]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[venue]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.defRPS), l.defBurst)
	l.limiters[venue] = lim
	return lim
}

// Allow reports whether a request to the venue may proceed now.
func (l *Limiter) Allow(venue string) bool {
	return l.get(venue).Allow()
}

// Wait blocks until a request to the venue is allowed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, venue string) error {
	return l.get(venue).Wait(ctx)
}

// Tokens returns the tokens currently available for a venue.
func (l *Limiter) Tokens(venue string) float64 {
	return l.get(venue).Tokens()
}
