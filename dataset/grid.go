// Package dataset holds the gridded observation data the interpolation
// models consume: one array per variable, indexed by time-step and station,
// plus the projections the models need (flat feature tables, per-time-step
// observation sets, context/target splits and minibatch sampling).
package dataset

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
)

// Grid is a time x station collection of named variables. Vars[name][t][s]
// is the value of a variable at time-step Times[t] and station Stations[s];
// missing observations are NaN.
type Grid struct {
	Times    []int64 // time-step keys, e.g. unix seconds
	Stations []string
	Vars     map[string][][]float64

	idxOnce sync.Once
	timeIdx map[int64]int
}

// NewGrid creates an empty grid over the given time-steps and stations.
func NewGrid(times []int64, stations []string) *Grid {
	return &Grid{
		Times:    times,
		Stations: stations,
		Vars:     make(map[string][][]float64),
	}
}

// AddVar adds a named variable. values must be len(Times) x len(Stations).
func (g *Grid) AddVar(name string, values [][]float64) error {
	if len(values) != len(g.Times) {
		return &common.DimensionMismatchError{What: "variable " + name + " time axis", Got: len(values), Want: len(g.Times)}
	}
	for t, row := range values {
		if len(row) != len(g.Stations) {
			return &common.DimensionMismatchError{What: fmt.Sprintf("variable %s station axis at step %d", name, t), Got: len(row), Want: len(g.Stations)}
		}
	}
	g.Vars[name] = values
	return nil
}

// Var returns the values of a named variable, or an error if it is absent.
func (g *Grid) Var(name string) ([][]float64, error) {
	v, ok := g.Vars[name]
	if !ok {
		return nil, fmt.Errorf("dataset: no variable %q in grid", name)
	}
	return v, nil
}

// TimeIndex returns the index of a time-step key. The index is built on
// first use and assumes Times does not change afterwards; concurrent calls
// are safe.
func (g *Grid) TimeIndex(t int64) (int, bool) {
	g.idxOnce.Do(func() {
		g.timeIdx = make(map[int64]int, len(g.Times))
		for i, key := range g.Times {
			g.timeIdx[key] = i
		}
	})
	i, ok := g.timeIdx[t]
	return i, ok
}

// MinMax returns the minimum and maximum of a variable over the whole grid,
// skipping NaN entries.
func (g *Grid) MinMax(name string) (min, max float64, err error) {
	v, err := g.Var(name)
	if err != nil {
		return 0, 0, err
	}
	min, max = math.Inf(1), math.Inf(-1)
	for _, row := range v {
		for _, val := range row {
			if math.IsNaN(val) {
				continue
			}
			if val < min {
				min = val
			}
			if val > max {
				max = val
			}
		}
	}
	if math.IsInf(min, 1) {
		return 0, 0, fmt.Errorf("dataset: variable %q has no finite values", name)
	}
	return min, max, nil
}

// Table flattens the named variables into a (time x station) by len(names)
// matrix, row-major over time then station. Missing values stay NaN.
func (g *Grid) Table(names []string) (*mat.Dense, error) {
	nRows := len(g.Times) * len(g.Stations)
	out := mat.NewDense(nRows, len(names), nil)
	for j, name := range names {
		v, err := g.Var(name)
		if err != nil {
			return nil, err
		}
		for t := range g.Times {
			for s := range g.Stations {
				out.Set(t*len(g.Stations)+s, j, v[t][s])
			}
		}
	}
	return out, nil
}

// Obs is the observation set of a single time-step: one row per station
// kept, features in X and the target in Y. X is nil when no rows remain.
type Obs struct {
	X        *mat.Dense
	Y        []float64
	Stations []int // station indices into the grid
}

// Len returns the number of observation points.
func (o *Obs) Len() int {
	if o.X == nil {
		return 0
	}
	r, _ := o.X.Dims()
	return r
}

// TimeStep projects one time-step into an observation set. When dropNaN is
// true, stations whose target is NaN are removed, which is the training-side
// convention; test-side projections keep every station.
func (g *Grid) TimeStep(t int, features []string, target string, dropNaN bool) (*Obs, error) {
	if t < 0 || t >= len(g.Times) {
		return nil, fmt.Errorf("dataset: time-step %d out of range [0, %d)", t, len(g.Times))
	}
	fvars := make([][][]float64, len(features))
	for i, name := range features {
		v, err := g.Var(name)
		if err != nil {
			return nil, err
		}
		fvars[i] = v
	}
	tvar, err := g.Var(target)
	if err != nil {
		return nil, err
	}

	keep := make([]int, 0, len(g.Stations))
	for s := range g.Stations {
		if dropNaN && math.IsNaN(tvar[t][s]) {
			continue
		}
		keep = append(keep, s)
	}
	obs := &Obs{Stations: keep}
	if len(keep) == 0 {
		return obs, nil
	}

	obs.X = mat.NewDense(len(keep), len(features), nil)
	obs.Y = make([]float64, len(keep))
	for i, s := range keep {
		for j := range features {
			obs.X.Set(i, j, fvars[j][t][s])
		}
		obs.Y[i] = tvar[t][s]
	}
	return obs, nil
}

// Save writes the grid to path with gob.
func (g *Grid) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(g)
}

// Load reads a grid written by Save.
func Load(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var g Grid
	if err := gob.NewDecoder(f).Decode(&g); err != nil {
		return nil, err
	}
	return &g, nil
}
