package stats

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/freeeve/reinforce/internal/model"
)

// VarianceFormula selects the denominator used for variances and covariances.
type VarianceFormula int

const (
	// Sample divides by n-1.
	Sample VarianceFormula = iota
	// Population divides by n.
	Population
)

func (f VarianceFormula) String() string {
	switch f {
	case Sample:
		return "sample"
	case Population:
		return "population"
	}
	return fmt.Sprintf("formula(%d)", int(f))
}

// ParseVarianceFormula parses "sample" or "population".
func ParseVarianceFormula(s string) (VarianceFormula, error) {
	switch s {
	case "sample", "":
		return Sample, nil
	case "population":
		return Population, nil
	}
	return 0, fmt.Errorf("unknown variance formula %q", s)
}

// variance of xs under formula f. A single value has variance 0.
func variance(xs []float64, f VarianceFormula) float64 {
	if len(xs) < 2 {
		return 0
	}
	var v float64
	if f == Population {
		v = stat.PopVariance(xs, nil)
	} else {
		v = stat.Variance(xs, nil)
	}
	return math.Max(v, 0)
}

// denominator is the divisor applied to a sum of n squared deviations.
func denominator(n int, f VarianceFormula) float64 {
	if f == Population {
		return float64(n)
	}
	return float64(n - 1)
}

// gameKey names the game an observation came from. Observations without a
// game are keyed by their position in the list.
func gameKey(o model.Observation, idx int) string {
	if o.Game != "" {
		return o.Game
	}
	return "#" + strconv.Itoa(idx)
}

// perGame averages a territory's observations within each game.
func perGame(obs []model.Observation) map[string]float64 {
	sums := make(map[string]float64, len(obs))
	counts := make(map[string]int, len(obs))
	for i, o := range obs {
		k := gameKey(o, i)
		sums[k] += o.Value
		counts[k]++
	}
	for k, n := range counts {
		sums[k] /= float64(n)
	}
	return sums
}

// turnCovariance estimates one turn's covariance matrix. Every entry comes
// from the same deviation matrix: row i holds territory i's per-game average
// deviation from its full-sample mean, scaled by 1/sqrt of its own
// denominator, with zeros for games it was not seen in. Its outer product is
// positive semi-definite and its diagonal never exceeds the full-sample
// variance, so raising the diagonal to that variance keeps the matrix
// positive semi-definite.
func turnCovariance(turn model.TurnSamples, means, variances map[model.TerritoryID]float64, f VarianceFormula) model.Matrix {
	ids := model.SortTerritories(sampleKeys(turn))
	cov := make(model.Matrix, len(ids))
	if len(ids) == 0 {
		return cov
	}

	perTerritory := make([]map[string]float64, len(ids))
	seen := make(map[string]bool)
	for a, id := range ids {
		perTerritory[a] = perGame(turn[id])
		for g := range perTerritory[a] {
			seen[g] = true
		}
	}
	games := make([]string, 0, len(seen))
	for g := range seen {
		games = append(games, g)
	}
	sort.Strings(games)
	col := make(map[string]int, len(games))
	for c, g := range games {
		col[g] = c
	}

	dev := mat.NewDense(len(ids), len(games), nil)
	for a, id := range ids {
		den := denominator(len(turn[id]), f)
		if den <= 0 {
			continue
		}
		scale := 1 / math.Sqrt(den)
		for g, v := range perTerritory[a] {
			dev.Set(a, col[g], (v-means[id])*scale)
		}
	}
	var outer mat.SymDense
	outer.SymOuterK(1, dev)

	for a, i := range ids {
		cov.Set(i, i, variances[i])
		for b := a + 1; b < len(ids); b++ {
			cov.Set(i, ids[b], outer.At(a, b))
		}
	}
	return cov
}
