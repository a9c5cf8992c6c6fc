// Package ridge implements the closed-form Bayesian linear regression head
// of the deeptime model. Given bias-augmented context representations PhiC
// and context targets yC, it assembles the regularized normal equations
//
//	Cov = PhiC^T PhiC + noiseVar*I
//	rhs = PhiC^T yC
//
// and solves Cov w = rhs through a Cholesky factorization and triangular
// substitutions, never by explicit inversion. The weights are recomputed on
// every forward pass; the only learned state lives outside this package.
//
// The package also provides the analytic reverse-mode derivatives of the
// solve, reusing the forward factorization, so the encoder upstream can be
// trained end to end.
package ridge

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
)

// Augment returns x with a constant bias column of ones appended. A nil x
// (empty context) stays nil.
func Augment(x *mat.Dense) *mat.Dense {
	if x == nil {
		return nil
	}
	r, c := x.Dims()
	out := mat.NewDense(r, c+1, nil)
	for i := 0; i < r; i++ {
		copy(out.RawRowView(i), x.RawRowView(i))
		out.Set(i, c, 1)
	}
	return out
}

// System holds the solved normal equations of one context set: the
// factorization, the fitted weights, and the inputs needed to run the
// backward pass.
type System struct {
	dim      int
	noiseVar float64

	phiC *mat.Dense    // Nc x dim, nil for an empty context
	yC   *mat.VecDense // Nc, nil for an empty context
	chol mat.Cholesky
	w    *mat.VecDense // dim
}

// Solve fits the ridge weights for one context set. dim is the augmented
// representation width (R+1). phiC is Nc x dim and yC has length Nc; both
// are nil for an empty context, in which case Cov is pure regularization and
// the weights are zero. noiseVar must be positive.
//
// A covariance that fails to factorize (degenerate or collinear
// representations combined with a vanishing noise term) is reported as a
// *common.InsufficientContextError.
func Solve(dim int, phiC *mat.Dense, yC *mat.VecDense, noiseVar float64) (*System, error) {
	if dim <= 0 {
		return nil, &common.DimensionMismatchError{What: "ridge system", Got: dim, Want: 1}
	}

	var nc int
	if phiC != nil {
		var c int
		nc, c = phiC.Dims()
		if c != dim {
			return nil, &common.DimensionMismatchError{What: "context representation", Got: c, Want: dim}
		}
		if yC == nil || yC.Len() != nc {
			return nil, common.NoData
		}
	}

	cov := mat.NewSymDense(dim, nil)
	if phiC != nil {
		var gram mat.Dense
		gram.Mul(phiC.T(), phiC)
		for i := 0; i < dim; i++ {
			for j := i; j < dim; j++ {
				cov.SetSym(i, j, gram.At(i, j))
			}
		}
	}
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, cov.At(i, i)+noiseVar)
	}

	s := &System{dim: dim, noiseVar: noiseVar, phiC: phiC, yC: yC}
	if ok := s.chol.Factorize(cov); !ok {
		return nil, &common.InsufficientContextError{
			Points: nc,
			Dim:    dim,
			Reason: "covariance factorization failed",
		}
	}

	rhs := mat.NewVecDense(dim, nil)
	if phiC != nil {
		rhs.MulVec(phiC.T(), yC)
	}
	s.w = mat.NewVecDense(dim, nil)
	if err := s.chol.SolveVecTo(s.w, rhs); err != nil {
		return nil, &common.InsufficientContextError{
			Points: nc,
			Dim:    dim,
			Reason: "triangular solve failed",
		}
	}
	for i := 0; i < dim; i++ {
		if math.IsNaN(s.w.AtVec(i)) || math.IsInf(s.w.AtVec(i), 0) {
			return nil, &common.InsufficientContextError{
				Points: nc,
				Dim:    dim,
				Reason: "non-finite weights",
			}
		}
	}
	return s, nil
}

// Weights returns the fitted weight vector. The caller must not modify it.
func (s *System) Weights() *mat.VecDense { return s.w }

// Predict evaluates phiT * w for the Nt x dim augmented target
// representations.
func (s *System) Predict(phiT *mat.Dense) (*mat.VecDense, error) {
	nt, c := phiT.Dims()
	if c != s.dim {
		return nil, &common.DimensionMismatchError{What: "target representation", Got: c, Want: s.dim}
	}
	pred := mat.NewVecDense(nt, nil)
	pred.MulVec(phiT, s.w)
	return pred, nil
}

// Grads holds the reverse-mode derivatives of one solve-and-predict.
// DPhiC is nil when the context was empty. DNoiseVar is the derivative with
// respect to the noise variance itself; the chain through exp(logNoiseVar)
// is the caller's concern.
type Grads struct {
	DPhiC     *mat.Dense
	DPhiT     *mat.Dense
	DNoiseVar float64
}

// Backward propagates dLoss/dPred through the prediction and the solve.
// phiT must be the matrix given to Predict. The identities used, with
// A = Cov and z = A^{-1} PhiT^T dPred:
//
//	dPhiT     = dPred w^T
//	dA        = -z w^T
//	dPhiC     = PhiC (dA + dA^T) + yC z^T
//	dNoiseVar = tr(dA) = -z . w
func (s *System) Backward(phiT *mat.Dense, dPred *mat.VecDense) (*Grads, error) {
	nt, c := phiT.Dims()
	if c != s.dim {
		return nil, &common.DimensionMismatchError{What: "target representation", Got: c, Want: s.dim}
	}
	if dPred.Len() != nt {
		return nil, &common.DimensionMismatchError{What: "prediction gradient", Got: dPred.Len(), Want: nt}
	}

	g := &Grads{}

	g.DPhiT = mat.NewDense(nt, s.dim, nil)
	g.DPhiT.Outer(1, dPred, s.w)

	dW := mat.NewVecDense(s.dim, nil)
	dW.MulVec(phiT.T(), dPred)
	z := mat.NewVecDense(s.dim, nil)
	if err := s.chol.SolveVecTo(z, dW); err != nil {
		return nil, &common.InsufficientContextError{Dim: s.dim, Reason: "backward solve failed"}
	}

	g.DNoiseVar = -mat.Dot(z, s.w)

	if s.phiC != nil {
		nc, _ := s.phiC.Dims()
		var zw mat.Dense
		zw.Outer(1, z, s.w)
		var sym mat.Dense
		sym.Add(&zw, zw.T())

		g.DPhiC = mat.NewDense(nc, s.dim, nil)
		g.DPhiC.Mul(s.phiC, &sym)
		g.DPhiC.Scale(-1, g.DPhiC)

		var yz mat.Dense
		yz.Outer(1, s.yC, z)
		g.DPhiC.Add(g.DPhiC, &yz)
	}
	return g, nil
}
