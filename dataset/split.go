package dataset

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Split partitions an observation set into context and target by a random
// permutation: the first fraction*n permuted points become context, the rest
// target. The permutation is drawn from rng, so a freshly seeded source
// reproduces the split bit for bit. fraction 0 yields an empty context and
// fraction 1 an empty target.
func Split(obs *Obs, fraction float64, rng *rand.Rand) (context, target *Obs) {
	n := obs.Len()
	perm := rng.Perm(n)
	nContext := int(fraction * float64(n))

	return subset(obs, perm[:nContext]), subset(obs, perm[nContext:])
}

func subset(obs *Obs, idx []int) *Obs {
	out := &Obs{Stations: make([]int, len(idx))}
	if len(idx) == 0 {
		return out
	}
	_, nf := obs.X.Dims()
	out.X = mat.NewDense(len(idx), nf, nil)
	out.Y = make([]float64, len(idx))
	for i, p := range idx {
		copy(out.X.RawRowView(i), obs.X.RawRowView(p))
		out.Y[i] = obs.Y[p]
		out.Stations[i] = obs.Stations[p]
	}
	return out
}
