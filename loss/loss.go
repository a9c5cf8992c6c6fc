// Package loss provides the loss functions used by the training loops.
package loss

import (
	"encoding/gob"
	"math"
)

func init() {
	gob.Register(SquaredDistance{})
	gob.Register(ManhattanDistance{})
}

var lenMismatch string = "loss: length mismatch"

// Losser is a measure of the quality of a prediction, with a lower value
// being better. The loss is zero iff prediction == truth and is always
// non-negative. A Losser panics if len(prediction) != len(truth), and must
// not modify the slice values.
type Losser interface {
	Loss(prediction, truth []float64) float64
}

// A DerivLosser computes the loss and also the derivative of the loss with
// respect to the prediction, stored in place into the derivative slice.
type DerivLosser interface {
	Losser
	LossDeriv(prediction, truth, derivative []float64) float64
}

// SquaredDistance is the squared two-norm of (pred - truth) divided by the
// length, i.e. the mean squared error over the slice.
type SquaredDistance struct{}

func (SquaredDistance) Loss(prediction, truth []float64) (loss float64) {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	for i := range prediction {
		diff := prediction[i] - truth[i]
		loss += diff * diff
	}
	loss /= float64(len(prediction))
	return loss
}

func (SquaredDistance) LossDeriv(prediction, truth, derivative []float64) (loss float64) {
	if len(prediction) != len(truth) || len(prediction) != len(derivative) {
		panic(lenMismatch)
	}
	n := float64(len(prediction))
	for i := range prediction {
		diff := prediction[i] - truth[i]
		derivative[i] = 2 * diff / n
		loss += diff * diff
	}
	loss /= n
	return loss
}

// Convex allows SquaredDistance to be used where convexity is required.
func (SquaredDistance) Convex() {}

// ManhattanDistance is the one-norm of (pred - truth) divided by the length.
type ManhattanDistance struct{}

func (ManhattanDistance) Loss(prediction, truth []float64) (loss float64) {
	if len(prediction) != len(truth) {
		panic(lenMismatch)
	}
	for i := range prediction {
		loss += math.Abs(prediction[i] - truth[i])
	}
	loss /= float64(len(prediction))
	return loss
}

func (ManhattanDistance) LossDeriv(prediction, truth, derivative []float64) (loss float64) {
	if len(prediction) != len(truth) || len(prediction) != len(derivative) {
		panic(lenMismatch)
	}
	n := float64(len(prediction))
	for i := range prediction {
		diff := prediction[i] - truth[i]
		loss += math.Abs(diff)
		switch {
		case diff > 0:
			derivative[i] = 1 / n
		case diff < 0:
			derivative[i] = -1 / n
		default:
			derivative[i] = 0
		}
	}
	loss /= n
	return loss
}

func (ManhattanDistance) Convex() {}
