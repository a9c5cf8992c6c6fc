// Package rf is the per-time-step random-forest baseline: every time-step
// gets its own forest fit on the stations observed at that time, with no
// state shared across time-steps and nothing learned end to end.
package rf

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
	"github.com/patel-zeel/aqinterp/predict"
)

// treeNode is one node of a regression tree. Leaves have left == nil and
// carry the mean of their samples in value.
type treeNode struct {
	feature   int
	threshold float64
	left      *treeNode
	right     *treeNode
	value     float64
}

func (n *treeNode) predict(point []float64) float64 {
	for n.left != nil {
		if point[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

// Forest is a regression random forest: bagged variance-reduction trees
// averaged at prediction time.
type Forest struct {
	// NEstimators is the number of trees; zero or negative means 100.
	NEstimators int
	// MaxDepth bounds tree depth; zero or negative means unbounded.
	MaxDepth int
	// MinLeaf is the minimum samples per leaf; zero or negative means 1.
	MinLeaf int
	// MaxFeatures is the number of features tried per split; zero or
	// negative means all of them.
	MaxFeatures int

	trees []*treeNode
	dim   int
}

func (f *Forest) nEstimators() int {
	if f.NEstimators <= 0 {
		return 100
	}
	return f.NEstimators
}

func (f *Forest) minLeaf() int {
	if f.MinLeaf <= 0 {
		return 1
	}
	return f.MinLeaf
}

func (f *Forest) maxFeatures() int {
	if f.MaxFeatures <= 0 || f.MaxFeatures > f.dim {
		return f.dim
	}
	return f.MaxFeatures
}

// Fit grows the forest on the observations. Each tree sees a bootstrap
// resample of the rows. At least two rows are required.
func (f *Forest) Fit(x *mat.Dense, y []float64, rng *rand.Rand) error {
	if x == nil || len(y) == 0 {
		return common.NoData
	}
	if err := common.VerifyInputs(x, mat.NewDense(len(y), 1, y), nil); err != nil {
		return err
	}
	n, dim := x.Dims()
	if n < 2 {
		return &common.InsufficientContextError{Points: n, Reason: "forest needs at least two observations"}
	}
	f.dim = dim

	f.trees = make([]*treeNode, f.nEstimators())
	for t := range f.trees {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = rng.Intn(n)
		}
		f.trees[t] = f.grow(x, y, idx, 0, rng)
	}
	return nil
}

// grow recursively builds one tree over the sample rows in idx.
func (f *Forest) grow(x *mat.Dense, y []float64, idx []int, depth int, rng *rand.Rand) *treeNode {
	leaf := &treeNode{value: meanAt(y, idx)}
	if len(idx) < 2*f.minLeaf() {
		return leaf
	}
	if f.MaxDepth > 0 && depth >= f.MaxDepth {
		return leaf
	}

	feature, threshold, ok := f.bestSplit(x, y, idx, rng)
	if !ok {
		return leaf
	}

	var left, right []int
	for _, i := range idx {
		if x.At(i, feature) <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &treeNode{
		feature:   feature,
		threshold: threshold,
		value:     leaf.value,
		left:      f.grow(x, y, left, depth+1, rng),
		right:     f.grow(x, y, right, depth+1, rng),
	}
}

// bestSplit scans a random feature subset for the split with the lowest
// total within-node sum of squares. ok is false when no split separates the
// samples while respecting the leaf minimum.
func (f *Forest) bestSplit(x *mat.Dense, y []float64, idx []int, rng *rand.Rand) (feature int, threshold float64, ok bool) {
	n := len(idx)
	order := make([]int, n)
	prefY := make([]float64, n+1)
	prefY2 := make([]float64, n+1)
	best := math.Inf(1)

	for _, j := range rng.Perm(f.dim)[:f.maxFeatures()] {
		copy(order, idx)
		sort.Slice(order, func(a, b int) bool { return x.At(order[a], j) < x.At(order[b], j) })

		for i, row := range order {
			prefY[i+1] = prefY[i] + y[row]
			prefY2[i+1] = prefY2[i] + y[row]*y[row]
		}

		for k := f.minLeaf(); k <= n-f.minLeaf(); k++ {
			lo, hi := x.At(order[k-1], j), x.At(order[k], j)
			if !(lo < hi) {
				continue
			}
			nl, nr := float64(k), float64(n-k)
			ssLeft := prefY2[k] - prefY[k]*prefY[k]/nl
			ssRight := (prefY2[n] - prefY2[k]) - (prefY[n]-prefY[k])*(prefY[n]-prefY[k])/nr
			if cost := ssLeft + ssRight; cost < best {
				best = cost
				feature = j
				threshold = (lo + hi) / 2
				ok = true
			}
		}
	}
	return feature, threshold, ok
}

// NewPredictor implements predict.BatchPredictor. The forest is read-only
// after Fit, so every worker can share it directly.
func (f *Forest) NewPredictor() predict.Predictor { return forestPredictor{f} }

type forestPredictor struct{ f *Forest }

func (p forestPredictor) Predict(input, output []float64) {
	output[0] = p.f.Predict(input)
}

// Predict averages the trees at one point. Any NaN feature yields NaN.
func (f *Forest) Predict(point []float64) float64 {
	if len(point) != f.dim || len(f.trees) == 0 {
		return math.NaN()
	}
	for _, v := range point {
		if math.IsNaN(v) {
			return math.NaN()
		}
	}
	var sum float64
	for _, t := range f.trees {
		sum += t.predict(point)
	}
	return sum / float64(len(f.trees))
}

func meanAt(y []float64, idx []int) float64 {
	var sum float64
	for _, i := range idx {
		sum += y[i]
	}
	return sum / float64(len(idx))
}
