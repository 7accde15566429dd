package risk

import (
	"errors"
	"time"
)

// ErrRejected is the sentinel wrapped into rejection verdict errors so
// callers can distinguish a risk refusal from an infrastructure failure.
var ErrRejected = errors.New("risk gate rejected")

// ErrCircuitOpen marks rejections caused by a tripped system breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Tier identifies which gate tier produced a check or a rejection.
type Tier string

const (
	TierSystem    Tier = "system"
	TierPortfolio Tier = "portfolio"
	TierTrade     Tier = "trade"
)

// Check is one named gate check with a human-readable reason. Reasons
// carry the measured value and the threshold so a rejection can be
// understood from logs alone.
type Check struct {
	Name      string  `json:"name"`
	Tier      Tier    `json:"tier"`
	OK        bool    `json:"ok"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Reason    string  `json:"reason"`
}

// Verdict is the gate's answer to one trade intent. Scale multiplies
// the requested size and only ever decreases as checks apply: tiers may
// shrink a trade, never grow it.
type Verdict struct {
	IntentID string  `json:"intent_id"`
	Approved bool    `json:"approved"`
	Scale    float64 `json:"scale"`
	Leverage float64 `json:"leverage"` // possibly reduced from the request

	// Reason is "approved" or the first failing check's reason.
	Reason string `json:"reason"`
	Tier   Tier   `json:"tier,omitempty"` // tier that rejected, empty on approval

	Checks   []Check       `json:"checks"`
	IssuedAt time.Time     `json:"issued_at"`
	TTL      time.Duration `json:"ttl"`

	// Notional is the approved quote-currency size after scaling.
	Notional float64 `json:"notional"`
}

// Expired reports whether the verdict's validity window has passed.
// Stale approvals must be re-evaluated, never executed.
func (v Verdict) Expired(now time.Time) bool {
	return v.TTL > 0 && now.After(v.IssuedAt.Add(v.TTL))
}

// reject builds a rejection verdict from the failing check.
func reject(intentID string, c Check, checks []Check) Verdict {
	return Verdict{
		IntentID: intentID,
		Approved: false,
		Scale:    0,
		Reason:   c.Reason,
		Tier:     c.Tier,
		Checks:   checks,
		IssuedAt: time.Now(),
	}
}
