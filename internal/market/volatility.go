package market

import (
	"math"
	"time"
)

// ewmaVol maintains an exponentially-weighted estimate of realized
// volatility over mid-price log returns. The halflife controls how fast
// old observations decay; updates are O(1) per tick.
type ewmaVol struct {
	halflife time.Duration
	lastMid  float64
	lastAt   time.Time
	variance float64
	primed   bool
}

func newEWMAVol(halflife time.Duration) *ewmaVol {
	return &ewmaVol{halflife: halflife}
}

// update folds a new mid observation in and returns the current vol
// estimate (stddev of returns, per observation).
func (v *ewmaVol) update(mid float64, at time.Time) float64 {
	if mid <= 0 {
		return v.value()
	}
	if !v.primed {
		v.lastMid = mid
		v.lastAt = at
		v.primed = true
		return 0
	}
	dt := at.Sub(v.lastAt)
	if dt <= 0 {
		return v.value()
	}
	r := math.Log(mid / v.lastMid)
	alpha := 1 - math.Exp(-math.Ln2*float64(dt)/float64(v.halflife))
	v.variance = (1-alpha)*v.variance + alpha*r*r
	v.lastMid = mid
	v.lastAt = at
	return v.value()
}

func (v *ewmaVol) value() float64 {
	return math.Sqrt(v.variance)
}
