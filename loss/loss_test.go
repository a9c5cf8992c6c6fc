package loss

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
)

const (
	fdStep = 1e-6
	fdTol  = 1e-6
)

func testDerivLosser(t *testing.T, l DerivLosser, name string) {
	prediction := []float64{0.3, -1.2, 8.9, 0.01}
	truth := []float64{0.5, -1.2, 7.4, -2.3}

	derivative := make([]float64, len(prediction))
	loss := l.LossDeriv(prediction, truth, derivative)
	if math.Abs(loss-l.Loss(prediction, truth)) > fdTol {
		t.Errorf("%v: Loss and LossDeriv disagree", name)
	}

	fdDeriv := make([]float64, len(prediction))
	for i := range prediction {
		orig := prediction[i]
		prediction[i] = orig + fdStep
		up := l.Loss(prediction, truth)
		prediction[i] = orig - fdStep
		down := l.Loss(prediction, truth)
		prediction[i] = orig
		fdDeriv[i] = (up - down) / (2 * fdStep)
	}
	if !floats.EqualApprox(derivative, fdDeriv, fdTol) {
		t.Errorf("%v: derivative doesn't match finite difference. Got %v, want %v", name, derivative, fdDeriv)
	}
}

func TestSquaredDistance(t *testing.T) {
	l := SquaredDistance{}
	if loss := l.Loss([]float64{1, 2}, []float64{1, 2}); loss != 0 {
		t.Errorf("nonzero loss on equal slices: %v", loss)
	}
	if loss := l.Loss([]float64{1, 3}, []float64{1, 1}); math.Abs(loss-2) > fdTol {
		t.Errorf("wrong loss: got %v, want 2", loss)
	}
	testDerivLosser(t, l, "SquaredDistance")
}

func TestManhattanDistance(t *testing.T) {
	l := ManhattanDistance{}
	if loss := l.Loss([]float64{1, 3}, []float64{1, 1}); math.Abs(loss-1) > fdTol {
		t.Errorf("wrong loss: got %v, want 1", loss)
	}
	testDerivLosser(t, l, "ManhattanDistance")
}
