package portfolio

import (
	"math"
	"sync"
	"time"
)

// Position is one open position. Size is signed: positive long,
// negative short.
type Position struct {
	Symbol        string  `json:"symbol"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Leverage      float64 `json:"leverage"`
}

// Notional returns the absolute position value at the mark price.
func (p Position) Notional() float64 {
	px := p.MarkPrice
	if px == 0 {
		px = p.EntryPrice
	}
	return math.Abs(p.Size) * px
}

// State is a complete, consistent portfolio snapshot. Readers never see
// a partially-updated portfolio: the store copies on read and bumps the
// version on every write.
type State struct {
	Version       uint64              `json:"version"`
	Equity        float64             `json:"equity"`
	PeakEquity    float64             `json:"peak_equity"`
	DayPeakEquity float64             `json:"day_peak_equity"`
	Positions     map[string]Position `json:"positions"`
	EquityTail    []float64           `json:"equity_tail"`
	Correlations  *CorrelationMatrix  `json:"correlations,omitempty"`
	TargetWeights map[string]float64  `json:"target_weights,omitempty"`
	LeverageInUse float64             `json:"leverage_in_use"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// TotalDrawdown is the fraction lost from the all-time equity peak.
func (s State) TotalDrawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}

// DailyDrawdown is the fraction lost from today's equity peak.
func (s State) DailyDrawdown() float64 {
	if s.DayPeakEquity <= 0 {
		return 0
	}
	return (s.DayPeakEquity - s.Equity) / s.DayPeakEquity
}

// HeldSymbols lists symbols with non-zero positions.
func (s State) HeldSymbols() []string {
	out := make([]string, 0, len(s.Positions))
	for sym, pos := range s.Positions {
		if pos.Size != 0 {
			out = append(out, sym)
		}
	}
	return out
}

const equityTailLen = 512 // enough history for drawdown diagnostics

// Store owns the mutable portfolio. Confirmed fills are the single
// writer path; all reads get complete copies.
type Store struct {
	mu  sync.RWMutex
	cur State
}

// NewStore creates a portfolio store with the given starting equity.
func NewStore(initialEquity float64) *Store {
	return &Store{cur: State{
		Version:       1,
		Equity:        initialEquity,
		PeakEquity:    initialEquity,
		DayPeakEquity: initialEquity,
		Positions:     make(map[string]Position),
		EquityTail:    []float64{initialEquity},
		UpdatedAt:     time.Now(),
	}}
}

// Read returns a complete, consistent copy of the current state.
func (st *Store) Read() State {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur.copy()
}

func (s State) copy() State {
	out := s
	out.Positions = make(map[string]Position, len(s.Positions))
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	out.EquityTail = append([]float64(nil), s.EquityTail...)
	if s.TargetWeights != nil {
		out.TargetWeights = make(map[string]float64, len(s.TargetWeights))
		for k, v := range s.TargetWeights {
			out.TargetWeights[k] = v
		}
	}
	if s.Correlations != nil {
		out.Correlations = s.Correlations.copy()
	}
	return out
}

// ApplyFill records a confirmed fill. Position netting realizes PnL
// into equity when a fill reduces or flips existing exposure.
func (st *Store) ApplyFill(symbol string, size, price, leverage float64) {
	if size == 0 || price <= 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	pos := st.cur.Positions[symbol]
	pos.Symbol = symbol
	if leverage > 0 {
		pos.Leverage = leverage
	}

	switch {
	case pos.Size == 0 || sameSign(pos.Size, size):
		// opening or adding: weighted average entry
		total := pos.Size + size
		pos.EntryPrice = (pos.EntryPrice*math.Abs(pos.Size) + price*math.Abs(size)) / math.Abs(total)
		pos.Size = total
	default:
		// reducing or flipping: realize PnL on the closed portion
		closed := math.Min(math.Abs(size), math.Abs(pos.Size))
		direction := 1.0
		if pos.Size < 0 {
			direction = -1.0
		}
		realized := (price - pos.EntryPrice) * closed * direction
		st.cur.Equity += realized

		remaining := pos.Size + size
		if sameSign(remaining, pos.Size) && remaining != 0 {
			pos.Size = remaining // partial reduce keeps entry
		} else {
			pos.Size = remaining // flip: remainder opens at fill price
			pos.EntryPrice = price
		}
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = unrealized(pos)

	if pos.Size == 0 {
		delete(st.cur.Positions, symbol)
	} else {
		st.cur.Positions[symbol] = pos
	}
	st.bumpLocked()
}

// MarkPrice refreshes one position's mark and unrealized PnL.
func (st *Store) MarkPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	pos, ok := st.cur.Positions[symbol]
	if !ok {
		return
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = unrealized(pos)
	st.cur.Positions[symbol] = pos
	st.bumpLocked()
}

// SetCorrelations installs a freshly recomputed correlation matrix.
func (st *Store) SetCorrelations(m *CorrelationMatrix) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur.Correlations = m
	st.bumpLocked()
}

// SetTargetWeights installs freshly computed allocation targets.
func (st *Store) SetTargetWeights(w map[string]float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur.TargetWeights = w
	st.bumpLocked()
}

// ResetDay starts a new trading day for daily drawdown accounting.
func (st *Store) ResetDay() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.cur.DayPeakEquity = st.cur.Equity
	st.bumpLocked()
}

// bumpLocked recomputes derived fields and advances the version.
func (st *Store) bumpLocked() {
	equity := st.cur.Equity
	var grossNotional float64
	for _, pos := range st.cur.Positions {
		grossNotional += pos.Notional()
	}
	if equity > 0 {
		st.cur.LeverageInUse = grossNotional / equity
	}
	if equity > st.cur.PeakEquity {
		st.cur.PeakEquity = equity
	}
	if equity > st.cur.DayPeakEquity {
		st.cur.DayPeakEquity = equity
	}
	st.cur.EquityTail = append(st.cur.EquityTail, equity)
	if len(st.cur.EquityTail) > equityTailLen {
		st.cur.EquityTail = st.cur.EquityTail[len(st.cur.EquityTail)-equityTailLen:]
	}
	st.cur.Version++
	st.cur.UpdatedAt = time.Now()
}

func unrealized(pos Position) float64 {
	if pos.MarkPrice == 0 {
		return 0
	}
	return (pos.MarkPrice - pos.EntryPrice) * pos.Size
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

// PositionVaR is a one-tail 95% value-at-risk estimate for a position
// of the given notional at the given per-observation volatility.
func PositionVaR(notional, volatility float64) float64 {
	const z95 = 1.65
	return math.Abs(notional) * volatility * z95
}
