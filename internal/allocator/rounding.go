package allocator

import (
	"math"
	"sort"

	"github.com/freeeve/reinforce/internal/model"
)

// Armies converts fractions into whole army counts summing to total using
// the largest remainder method. Ties go to the lower territory ID.
func Armies(fractions map[model.TerritoryID]float64, total int) map[model.TerritoryID]int {
	ids := make([]model.TerritoryID, 0, len(fractions))
	for id := range fractions {
		ids = append(ids, id)
	}
	model.SortTerritories(ids)

	out := make(map[model.TerritoryID]int, len(ids))
	for _, id := range ids {
		out[id] = 0
	}
	if len(ids) == 0 || total <= 0 {
		return out
	}

	weights := make([]float64, len(ids))
	var sum float64
	for i, id := range ids {
		weights[i] = math.Max(fractions[id], 0)
		sum += weights[i]
	}
	if sum <= 0 {
		for i := range weights {
			weights[i] = 1
		}
		sum = float64(len(weights))
	}

	type remainder struct {
		idx  int
		frac float64
	}
	rems := make([]remainder, len(ids))
	assigned := 0
	for i, id := range ids {
		exact := weights[i] / sum * float64(total)
		whole := int(math.Floor(exact))
		out[id] = whole
		assigned += whole
		rems[i] = remainder{idx: i, frac: exact - float64(whole)}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac > rems[b].frac })
	for k := 0; assigned < total; k++ {
		out[ids[rems[k%len(rems)].idx]]++
		assigned++
	}
	return out
}

// simplexProjection returns the Euclidean projection of v onto
// {z : Σz = total, z ≥ 0} (Duchi et al., 2008).
func simplexProjection(v []float64, total float64) []float64 {
	n := len(v)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if total <= 0 {
		return out
	}
	sorted := append([]float64(nil), v...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	var cum, theta float64
	for i, u := range sorted {
		cum += u
		t := (cum - total) / float64(i+1)
		if u-t > 0 {
			theta = t
		}
	}
	for i, x := range v {
		out[i] = math.Max(x-theta, 0)
	}
	return out
}
