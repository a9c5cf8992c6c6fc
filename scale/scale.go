// Package scale transforms observation data so it is appropriately scaled
// for the interpolation models. Scales are fit once on training data and the
// fitted statistics are persisted with the model metadata, so the exact same
// transformation is replayed at predict time.
package scale

import (
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
)

func init() {
	gob.Register(None{})
	gob.Register(&Linear{})
	gob.Register(&Normal{})
}

// UniformDimension is an error expressing that some dimensions had every
// value identical, so no spread was available to scale by. Dims lists the
// offending dimensions.
type UniformDimension struct {
	Dims []int
}

func (u *UniformDimension) Error() string {
	return fmt.Sprintf("scale: dimensions %v had all values identical", u.Dims)
}

// UnequalLength is returned when a point has a different dimension than the
// data the scale was set from.
type UnequalLength struct{}

func (UnequalLength) Error() string {
	return "scale: data length mismatch"
}

// Scaler transforms data points so they are appropriately scaled for a
// learning algorithm. SetScale fits the transformation statistics from the
// rows of the input data; Scale and Unscale transform a single point in
// place. Once a scale has been set it is never refit, so test data is always
// transformed with training statistics.
type Scaler interface {
	Scale(point []float64) error
	Unscale(point []float64) error
	IsScaled() bool
	Dimensions() int
	SetScale(data *mat.Dense) error
}

// SliceError tags an error with the row where it occurred.
type SliceError struct {
	Header string
	Idx    int
	Err    error
}

func (s *SliceError) Error() string {
	return fmt.Sprintf("%v: element %v, error %v", s.Header, s.Idx, s.Err)
}

type ErrorList []*SliceError

func (e ErrorList) Error() string {
	return fmt.Sprintf("%v errors found", len(e))
}

// ScaleData scales every row of data in place, in parallel.
func ScaleData(scaler Scaler, data *mat.Dense) error {
	return applyRows("scale", scaler.Scale, data)
}

func applyRows(header string, f func([]float64) error, data *mat.Dense) error {
	m := &sync.Mutex{}
	var e ErrorList
	nSamples, _ := data.Dims()
	grain := common.GetGrainSize(nSamples, 1, 500)
	common.ParallelFor(nSamples, grain, func(start, end int) {
		for r := start; r < end; r++ {
			if errTmp := f(data.RawRowView(r)); errTmp != nil {
				m.Lock()
				e = append(e, &SliceError{Header: header, Idx: r, Err: errTmp})
				m.Unlock()
			}
		}
	})
	if len(e) != 0 {
		return e
	}
	return nil
}

// None leaves the data untouched.
type None struct {
	Dim    int
	Scaled bool
}

func (n None) IsScaled() bool { return n.Scaled }

func (n None) Scale(x []float64) error { return nil }

func (n None) Unscale(x []float64) error { return nil }

func (n None) Dimensions() int { return n.Dim }

func (n *None) SetScale(data *mat.Dense) error {
	rows, cols := data.Dims()
	if rows < 2 {
		return errors.New("scale: less than two inputs")
	}
	n.Dim = cols
	n.Scaled = true
	return nil
}

// Linear scales the data to be between 0 and 1 using the per-dimension
// minimum and maximum of the data the scale was set from. If all values in
// a dimension are identical, that dimension's bounds are widened by 0.5 on
// each side and a UniformDimension error is returned.
type Linear struct {
	Min    []float64
	Max    []float64
	Scaled bool
	Dim    int
}

func (l *Linear) IsScaled() bool { return l.Scaled }

func (l *Linear) Dimensions() int { return l.Dim }

func (l *Linear) SetScale(data *mat.Dense) error {
	rows, dim := data.Dims()
	if rows < 2 {
		return errors.New("scale: less than two inputs")
	}

	l.Min = make([]float64, dim)
	l.Max = make([]float64, dim)
	for j := range l.Min {
		l.Min[j] = math.Inf(1)
		l.Max[j] = math.Inf(-1)
	}
	for i := 0; i < rows; i++ {
		for j := 0; j < dim; j++ {
			val := data.At(i, j)
			if math.IsNaN(val) {
				continue
			}
			if val < l.Min[j] {
				l.Min[j] = val
			}
			if val > l.Max[j] {
				l.Max[j] = val
			}
		}
	}
	l.Scaled = true
	l.Dim = dim

	var unifError *UniformDimension
	for i := range l.Min {
		if l.Min[i] == l.Max[i] {
			if unifError == nil {
				unifError = &UniformDimension{}
			}
			unifError.Dims = append(unifError.Dims, i)
			l.Min[i] -= 0.5
			l.Max[i] += 0.5
		}
	}
	if unifError != nil {
		return unifError
	}
	return nil
}

func (l *Linear) Scale(point []float64) error {
	if len(point) != l.Dim {
		return UnequalLength{}
	}
	for i, val := range point {
		point[i] = (val - l.Min[i]) / (l.Max[i] - l.Min[i])
	}
	return nil
}

func (l *Linear) Unscale(point []float64) error {
	if len(point) != l.Dim {
		return UnequalLength{}
	}
	for i, val := range point {
		point[i] = val*(l.Max[i]-l.Min[i]) + l.Min[i]
	}
	return nil
}

// Normal scales the data to have a mean of 0 and a standard deviation of 1
// in each dimension, skipping NaN entries when the statistics are set. If
// the standard deviation of a dimension is zero, it is set to 1.0 and a
// UniformDimension error is returned.
type Normal struct {
	Mu     []float64
	Sigma  []float64
	Dim    int
	Scaled bool
}

func (n *Normal) IsScaled() bool { return n.Scaled }

func (n *Normal) Dimensions() int { return n.Dim }

func (n *Normal) SetScale(data *mat.Dense) error {
	rows, dim := data.Dims()
	if rows < 2 {
		return errors.New("scale: less than two inputs")
	}

	mean := make([]float64, dim)
	count := make([]float64, dim)
	for i := 0; i < rows; i++ {
		for j := 0; j < dim; j++ {
			val := data.At(i, j)
			if math.IsNaN(val) {
				continue
			}
			mean[j] += val
			count[j]++
		}
	}
	for i := range mean {
		if count[i] > 0 {
			mean[i] /= count[i]
		}
	}

	std := make([]float64, dim)
	for i := 0; i < rows; i++ {
		for j := 0; j < dim; j++ {
			val := data.At(i, j)
			if math.IsNaN(val) {
				continue
			}
			diff := val - mean[j]
			std[j] += diff * diff
		}
	}
	for i := range std {
		if count[i] > 0 {
			std[i] = math.Sqrt(std[i] / count[i])
		}
	}
	n.Scaled = true
	n.Dim = dim

	var unifError *UniformDimension
	for i := range std {
		if std[i] == 0 {
			if unifError == nil {
				unifError = &UniformDimension{}
			}
			unifError.Dims = append(unifError.Dims, i)
			std[i] = 1.0
		}
	}

	n.Mu = mean
	n.Sigma = std
	if unifError != nil {
		return unifError
	}
	return nil
}

func (n *Normal) Scale(point []float64) error {
	if len(point) != n.Dim {
		return UnequalLength{}
	}
	for i := range point {
		point[i] = (point[i] - n.Mu[i]) / n.Sigma[i]
	}
	return nil
}

func (n *Normal) Unscale(point []float64) error {
	if len(point) != n.Dim {
		return UnequalLength{}
	}
	for i := range point {
		point[i] = point[i]*n.Sigma[i] + n.Mu[i]
	}
	return nil
}
