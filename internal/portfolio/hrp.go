package portfolio

import (
	"math"
	"sort"
)

// HRPWeights computes Hierarchical Risk Parity target weights over the
// given per-symbol return series: correlation distances are clustered
// (single linkage), the dendrogram leaf order quasi-diagonalizes the
// covariance, and weights are assigned by recursive bisection with
// inverse-variance allocation inside each cluster.
//
// Degenerate inputs (fewer than two assets or too few observations)
// fall back to equal weights rather than failing: allocation must
// always produce something usable.
func HRPWeights(returns map[string][]float64) map[string]float64 {
	symbols := make([]string, 0, len(returns))
	obs := math.MaxInt
	for sym, series := range returns {
		symbols = append(symbols, sym)
		if len(series) < obs {
			obs = len(series)
		}
	}
	sort.Strings(symbols)

	if len(symbols) == 0 {
		return map[string]float64{}
	}
	if len(symbols) < 2 || obs < minCorrelationObs {
		return equalWeights(symbols)
	}

	n := len(symbols)
	cov := covarianceMatrix(symbols, returns, obs)
	corr := make([][]float64, n)
	for i := range corr {
		corr[i] = make([]float64, n)
		for j := range corr[i] {
			den := math.Sqrt(cov[i][i] * cov[j][j])
			if den == 0 {
				corr[i][j] = 0
				continue
			}
			corr[i][j] = cov[i][j] / den
		}
	}

	order := quasiDiagOrder(corr)
	weights := recursiveBisection(cov, order)

	out := make(map[string]float64, n)
	for i, w := range weights {
		out[symbols[i]] = w
	}
	return out
}

func equalWeights(symbols []string) map[string]float64 {
	out := make(map[string]float64, len(symbols))
	w := 1.0 / float64(len(symbols))
	for _, sym := range symbols {
		out[sym] = w
	}
	return out
}

func covarianceMatrix(symbols []string, returns map[string][]float64, obs int) [][]float64 {
	n := len(symbols)
	means := make([]float64, n)
	for i, sym := range symbols {
		for _, r := range returns[sym][:obs] {
			means[i] += r
		}
		means[i] /= float64(obs)
	}
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var sum float64
			for k := 0; k < obs; k++ {
				sum += (returns[symbols[i]][k] - means[i]) * (returns[symbols[j]][k] - means[j])
			}
			c := sum / float64(obs-1)
			cov[i][j], cov[j][i] = c, c
		}
	}
	return cov
}

// hrpCluster is one node of the single-linkage dendrogram.
type hrpCluster struct {
	leaf        int // valid when left/right are nil
	left, right *hrpCluster
}

func (c *hrpCluster) leaves(out []int) []int {
	if c.left == nil && c.right == nil {
		return append(out, c.leaf)
	}
	out = c.left.leaves(out)
	return c.right.leaves(out)
}

// quasiDiagOrder clusters assets on correlation distance and returns
// the dendrogram leaf order, which places similar assets adjacently.
func quasiDiagOrder(corr [][]float64) []int {
	n := len(corr)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			d := (1 - corr[i][j]) / 2
			if d < 0 {
				d = 0
			}
			dist[i][j] = math.Sqrt(d)
		}
	}

	clusters := make([]*hrpCluster, n)
	members := make([][]int, n)
	for i := 0; i < n; i++ {
		clusters[i] = &hrpCluster{leaf: i}
		members[i] = []int{i}
	}

	// Single linkage: merge the pair of clusters with the smallest
	// minimum cross-pair distance until one remains.
	for len(clusters) > 1 {
		bestI, bestJ := 0, 1
		bestD := math.Inf(1)
		for i := 0; i < len(clusters); i++ {
			for j := i + 1; j < len(clusters); j++ {
				d := math.Inf(1)
				for _, a := range members[i] {
					for _, b := range members[j] {
						if dist[a][b] < d {
							d = dist[a][b]
						}
					}
				}
				if d < bestD {
					bestD, bestI, bestJ = d, i, j
				}
			}
		}
		merged := &hrpCluster{left: clusters[bestI], right: clusters[bestJ]}
		mergedMembers := append(append([]int{}, members[bestI]...), members[bestJ]...)

		clusters = append(clusters[:bestJ], clusters[bestJ+1:]...)
		members = append(members[:bestJ], members[bestJ+1:]...)
		clusters[bestI] = merged
		members[bestI] = mergedMembers
	}
	return clusters[0].leaves(nil)
}

// recursiveBisection splits the quasi-diagonal order in halves and
// allocates between halves inversely to their cluster variances.
func recursiveBisection(cov [][]float64, order []int) []float64 {
	weights := make([]float64, len(cov))
	for i := range weights {
		weights[i] = 1.0
	}
	stack := [][]int{order}
	for len(stack) > 0 {
		items := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if len(items) < 2 {
			continue
		}
		half := len(items) / 2
		left, right := items[:half], items[half:]
		varLeft := clusterVariance(cov, left)
		varRight := clusterVariance(cov, right)
		alpha := 0.5
		if varLeft+varRight > 0 {
			alpha = 1 - varLeft/(varLeft+varRight)
		}
		for _, i := range left {
			weights[i] *= alpha
		}
		for _, i := range right {
			weights[i] *= 1 - alpha
		}
		stack = append(stack, left, right)
	}
	return weights
}

// clusterVariance is w'Cw for the inverse-variance portfolio of the
// cluster's members.
func clusterVariance(cov [][]float64, items []int) float64 {
	ivp := make([]float64, len(items))
	var sum float64
	for k, i := range items {
		v := cov[i][i]
		if v <= 0 {
			v = 1e-12
		}
		ivp[k] = 1 / v
		sum += ivp[k]
	}
	for k := range ivp {
		ivp[k] /= sum
	}
	var out float64
	for a, i := range items {
		for b, j := range items {
			out += ivp[a] * cov[i][j] * ivp[b]
		}
	}
	return out
}
