package exec

import (
	"time"
)

// State is the parent execution's lifecycle state.
type State string

const (
	StateWorking   State = "working"
	StateFilled    State = "filled"
	StatePartial   State = "partial"   // deadline hit with some fills
	StateCancelled State = "cancelled" // no fills, cancelled or expired
	StateFailed    State = "failed"    // venue rejections exhausted retries
	StateAborted   State = "aborted"   // revoked approval or drift abort
)

// Terminal reports whether the execution has finished.
func (s State) Terminal() bool { return s != StateWorking && s != "" }

// Report is the final accounting of one execution. It is immutable once
// issued; AwaitReport returns the same report on every call.
type Report struct {
	ExecutionID string `json:"execution_id"`
	IntentID    string `json:"intent_id"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Algorithm   string `json:"algorithm"`
	State       State  `json:"state"`
	Reason      string `json:"reason,omitempty"`

	RequestedSize float64 `json:"requested_size"` // base units
	FilledSize    float64 `json:"filled_size"`
	AvgFillPrice  float64 `json:"avg_fill_price"`

	// ReferencePrice is the mid at submission; slippage is measured
	// against it, signed so that paying up is positive.
	ReferencePrice float64 `json:"reference_price"`
	SlippageBps    float64 `json:"slippage_bps"`

	Reprices    int       `json:"reprices"`
	ChildOrders int       `json:"child_orders"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// slippageBps computes signed slippage of the achieved price against the
// reference. Buys above reference and sells below it are positive (cost).
func slippageBps(side string, refPx, fillPx float64) float64 {
	if refPx <= 0 || fillPx <= 0 {
		return 0
	}
	bps := (fillPx - refPx) / refPx * 10000
	if side == "sell" {
		bps = -bps
	}
	return bps
}
