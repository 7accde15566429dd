package portfolio

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// CorrelationMatrix holds pairwise Pearson correlations of instrument
// returns, recomputed periodically from recent price history.
type CorrelationMatrix struct {
	Symbols      []string                      `json:"symbols"`
	Matrix       map[string]map[string]float64 `json:"matrix"`
	Observations int                           `json:"observations"`
	UpdatedAt    time.Time                     `json:"updated_at"`
}

func (m *CorrelationMatrix) copy() *CorrelationMatrix {
	out := &CorrelationMatrix{
		Symbols:      append([]string(nil), m.Symbols...),
		Matrix:       make(map[string]map[string]float64, len(m.Matrix)),
		Observations: m.Observations,
		UpdatedAt:    m.UpdatedAt,
	}
	for sym, row := range m.Matrix {
		r := make(map[string]float64, len(row))
		for k, v := range row {
			r[k] = v
		}
		out.Matrix[sym] = r
	}
	return out
}

// Get returns the correlation between two symbols, 0 when unknown.
func (m *CorrelationMatrix) Get(a, b string) float64 {
	if m == nil {
		return 0
	}
	if a == b {
		return 1
	}
	if row, ok := m.Matrix[a]; ok {
		return row[b]
	}
	return 0
}

const minCorrelationObs = 10

// ComputeCorrelationMatrix builds the matrix from per-symbol return
// series. Series are truncated to the shortest length; fewer than
// minCorrelationObs observations is an error.
func ComputeCorrelationMatrix(returns map[string][]float64) (*CorrelationMatrix, error) {
	if len(returns) == 0 {
		return nil, fmt.Errorf("no return series provided")
	}
	symbols := make([]string, 0, len(returns))
	obs := math.MaxInt
	for sym, series := range returns {
		symbols = append(symbols, sym)
		if len(series) < obs {
			obs = len(series)
		}
	}
	sort.Strings(symbols)
	if obs < minCorrelationObs {
		return nil, fmt.Errorf("insufficient observations: got %d, need %d", obs, minCorrelationObs)
	}

	matrix := make(map[string]map[string]float64, len(symbols))
	for _, a := range symbols {
		matrix[a] = make(map[string]float64, len(symbols))
		for _, b := range symbols {
			if a == b {
				matrix[a][b] = 1.0
				continue
			}
			matrix[a][b] = pearson(returns[a][:obs], returns[b][:obs])
		}
	}
	return &CorrelationMatrix{
		Symbols:      symbols,
		Matrix:       matrix,
		Observations: obs,
		UpdatedAt:    time.Now(),
	}, nil
}

// AvgPairwiseCorrelation is the mean absolute pairwise correlation over
// the given symbols. One or fewer symbols has no pairs and returns 0;
// unknown pairs contribute 0 (no data is not evidence of independence,
// but rejecting on missing data would block every new listing).
func (m *CorrelationMatrix) AvgPairwiseCorrelation(symbols []string) float64 {
	if m == nil || len(symbols) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(symbols); i++ {
		for j := i + 1; j < len(symbols); j++ {
			sum += math.Abs(m.Get(symbols[i], symbols[j]))
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return sum / float64(pairs)
}

// MaxCorrelationWith is the largest absolute correlation of symbol
// against any of the others.
func (m *CorrelationMatrix) MaxCorrelationWith(symbol string, others []string) float64 {
	var maxCorr float64
	for _, other := range others {
		if other == symbol {
			continue
		}
		if c := math.Abs(m.Get(symbol, other)); c > maxCorr {
			maxCorr = c
		}
	}
	return maxCorr
}

// pearson computes the Pearson correlation of two equal-length series.
func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 || n != len(b) {
		return 0
	}
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var num, da, db float64
	for i := 0; i < n; i++ {
		x := a[i] - meanA
		y := b[i] - meanB
		num += x * y
		da += x * x
		db += y * y
	}
	den := math.Sqrt(da * db)
	if den == 0 {
		return 0
	}
	return num / den
}
