package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is the requested position direction
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat" // close out existing exposure
)

// Urgency classifies how aggressively an intent should be worked
type Urgency string

const (
	UrgencyPassive    Urgency = "passive"
	UrgencyNormal     Urgency = "normal"
	UrgencyAggressive Urgency = "aggressive"
)

// Regime is the market regime label supplied by the decision layer
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeHighVol  Regime = "high_volatility"
	RegimeNoise    Regime = "noise"
	RegimeUnknown  Regime = "unknown"
)

// TradeIntent is a proposed directional trade produced by the decision
// layer. It is consumed exactly once and never mutated after creation.
type TradeIntent struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	// Exactly one of Notional (quote currency) or EquityFraction is set.
	Notional       float64 `json:"notional,omitempty"`
	EquityFraction float64 `json:"equity_fraction,omitempty"`

	Urgency  Urgency `json:"urgency"`
	Regime   Regime  `json:"regime"`
	Leverage float64 `json:"leverage"` // 0 or 1 means unleveraged

	// Optional price/time limits
	LimitPrice float64   `json:"limit_price,omitempty"`
	Deadline   time.Time `json:"deadline,omitempty"`

	// StopPrice is the decision layer's protective stop. When zero, the
	// trade tier derives one from the regime's stop multiple.
	StopPrice float64 `json:"stop_price,omitempty"`

	// AllowStacking permits a second concurrent execution on the same
	// symbol+side; the portfolio tier still has to approve it.
	AllowStacking bool `json:"allow_stacking,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewTradeIntent builds an intent with a fresh ID and creation timestamp.
func NewTradeIntent(symbol string, side Side, notional float64, urgency Urgency, regime Regime) TradeIntent {
	return TradeIntent{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Side:      side,
		Notional:  notional,
		Urgency:   urgency,
		Regime:    regime,
		Leverage:  1.0,
		CreatedAt: time.Now(),
	}
}

// Validate checks structural invariants of the intent.
func (ti TradeIntent) Validate() error {
	if ti.Symbol == "" {
		return fmt.Errorf("intent %s: empty symbol", ti.ID)
	}
	switch ti.Side {
	case SideLong, SideShort, SideFlat:
	default:
		return fmt.Errorf("intent %s: invalid side %q", ti.ID, ti.Side)
	}
	if ti.Side != SideFlat && ti.Notional <= 0 && ti.EquityFraction <= 0 {
		return fmt.Errorf("intent %s: requires positive notional or equity fraction", ti.ID)
	}
	if ti.Notional > 0 && ti.EquityFraction > 0 {
		return fmt.Errorf("intent %s: notional and equity fraction are mutually exclusive", ti.ID)
	}
	if ti.EquityFraction > 1.0 {
		return fmt.Errorf("intent %s: equity fraction %.2f exceeds 1.0", ti.ID, ti.EquityFraction)
	}
	if ti.Leverage < 0 {
		return fmt.Errorf("intent %s: negative leverage", ti.ID)
	}
	return nil
}

// Expired reports whether the intent's optional deadline has passed.
func (ti TradeIntent) Expired(now time.Time) bool {
	return !ti.Deadline.IsZero() && now.After(ti.Deadline)
}
