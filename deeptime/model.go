// Package deeptime implements an implicit-representation interpolation
// model: a siren feature encoder whose output feeds a closed-form ridge
// regression refit from scratch on every forward pass. The only learned
// state is the encoder's parameters and a single log-noise-variance scalar
// shared across all output dimensions and time-steps; the per-time-step
// regression weights are recomputed each call and never persisted.
package deeptime

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
	"github.com/patel-zeel/aqinterp/parmap"
	"github.com/patel-zeel/aqinterp/ridge"
	"github.com/patel-zeel/aqinterp/siren"
)

// initialNoiseVar seeds the learned noise variance.
const initialNoiseVar = 0.01

// FailurePolicy decides what happens when one member of a batched forward
// pass has a context too degenerate to solve.
type FailurePolicy int

const (
	// Propagate aborts the whole call with the member's error.
	Propagate FailurePolicy = iota
	// Mask substitutes NaN predictions for the failing member and lets the
	// rest of the batch complete.
	Mask
)

// Config collects the recognized options of the deeptime model.
type Config struct {
	Features []string `json:"features"`
	Target   string   `json:"target"`
	// FeatureScaling selects the frozen feature transform: "minmax" (the
	// default) or "normal" for mean/std standardization.
	FeatureScaling  string   `json:"feature_scaling"`
	HiddenDims      []int    `json:"hidden_dims"`
	ReprDim         int      `json:"repr_dim"`
	Dropout         float64  `json:"dropout"`
	ContextFraction float64  `json:"context_fraction"`
	BatchSize       int      `json:"batch_size"`
	Epochs          int      `json:"epochs"`
	LR              float64  `json:"lr"`
	RandomState     uint64   `json:"random_state"`
	WorkingDir      string   `json:"working_dir"`

	// OnFailure selects the degenerate-context policy. The zero value
	// propagates, matching the closed-form head's strictness; Mask gives
	// the same resilience the forest baseline has, as an explicit opt-in.
	OnFailure FailurePolicy `json:"-"`
}

// Model is the deeptime interpolator.
type Model struct {
	cfg Config
	enc *siren.Net

	// parameters is the flat optimizer view: the encoder parameters
	// followed by the log noise variance as the final element.
	parameters []float64
}

// New constructs a model from explicit configuration. The output-dimension
// count of a member is fixed to one target variable here; multi-dimensional
// targets are expressed as additional members along the batch axis.
func New(cfg Config) (*Model, error) {
	if len(cfg.Features) == 0 {
		return nil, common.NoData
	}
	if cfg.ReprDim <= 0 {
		return nil, &common.DimensionMismatchError{What: "representation", Got: cfg.ReprDim, Want: 1}
	}
	enc := siren.New(len(cfg.Features), cfg.HiddenDims, cfg.ReprDim, cfg.Dropout)
	m := &Model{
		cfg:        cfg,
		enc:        enc,
		parameters: make([]float64, enc.NumParameters()+1),
	}
	m.parameters[len(m.parameters)-1] = math.Log(initialNoiseVar)
	return m, nil
}

// Config returns the configuration the model was built from.
func (m *Model) Config() Config { return m.cfg }

// NumParameters returns the length of the flat parameter vector: the
// encoder's parameters plus the log-noise-variance scalar.
func (m *Model) NumParameters() int { return len(m.parameters) }

// Parameters copies the flat parameter vector into p (or a new slice).
func (m *Model) Parameters(p []float64) []float64 {
	if p == nil {
		p = make([]float64, m.NumParameters())
	} else if len(p) != m.NumParameters() {
		panic("deeptime: parameter size mismatch")
	}
	m.enc.Parameters(p[:m.enc.NumParameters()])
	p[len(p)-1] = m.parameters[len(m.parameters)-1]
	return p
}

// SetParameters installs a flat parameter vector.
func (m *Model) SetParameters(p []float64) {
	if len(p) != m.NumParameters() {
		panic("deeptime: parameter size mismatch")
	}
	copy(m.parameters, p)
	m.enc.SetParameters(p[:m.enc.NumParameters()])
}

// RandomizeParameters draws fresh encoder parameters and resets the noise
// variance to its initial value.
func (m *Model) RandomizeParameters(rng *rand.Rand) {
	m.enc.RandomizeParameters(rng)
	m.enc.Parameters(m.parameters[:m.enc.NumParameters()])
	m.parameters[len(m.parameters)-1] = math.Log(initialNoiseVar)
}

func (m *Model) logNoiseVar() float64 { return m.parameters[len(m.parameters)-1] }

// noiseVar applies exp to the raw parameter, guaranteeing positivity.
func (m *Model) noiseVar() float64 { return math.Exp(m.logNoiseVar()) }

// Member is one independent element of a batched forward pass: the context
// points it is fit on and the target points it predicts at. XC is nil for
// an empty context. Members along the leading axis never interact; the axis
// may range over time-steps of a minibatch, output dimensions, or both.
type Member struct {
	XC *mat.Dense
	YC []float64
	XT *mat.Dense
	YT []float64 // optional, only consulted by the training loop
}

// memberState carries everything needed to replay one member backward.
type memberState struct {
	mean, std float64
	encCtx    *siren.Cache
	encTgt    *siren.Cache
	phiC      *mat.Dense
	phiT      *mat.Dense
	sys       *ridge.System
	pred      *mat.VecDense // de-normalized predictions
	masked    bool
}

// contextStats computes the mean and sample standard deviation (n-1
// denominator) of the context targets. An empty context standardizes to
// (0, 1) so the downstream all-regularization solve stays well defined.
func contextStats(y []float64) (mean, std float64, err error) {
	n := len(y)
	if n == 0 {
		return 0, 1, nil
	}
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)
	if n < 2 {
		return mean, 0, &common.InsufficientContextError{Points: n, Reason: "single-point context has no spread"}
	}
	var ss float64
	for _, v := range y {
		d := v - mean
		ss += d * d
	}
	std = math.Sqrt(ss / float64(n-1))
	if std == 0 {
		return mean, 0, &common.InsufficientContextError{Points: n, Reason: "constant context targets"}
	}
	return mean, std, nil
}

// forwardMember runs normalization, encoding, the ridge solve and
// de-normalization for a single member. mask is the dropout mask shared by
// every member of the pass; nil for evaluation.
func (m *Model) forwardMember(mem *Member, mask siren.Mask, train bool) (*memberState, error) {
	st := &memberState{}

	var err error
	st.mean, st.std, err = contextStats(mem.YC)
	if err != nil {
		return nil, err
	}

	if mem.XC != nil {
		var cache *siren.Cache
		if train {
			cache = &siren.Cache{}
			st.encCtx = cache
		}
		reprC, err := m.enc.Forward(mem.XC, mask, cache)
		if err != nil {
			return nil, err
		}
		if _, w := reprC.Dims(); w != m.cfg.ReprDim {
			return nil, &common.DimensionMismatchError{What: "encoder output", Got: w, Want: m.cfg.ReprDim}
		}
		st.phiC = ridge.Augment(reprC)
	}

	var tgtCache *siren.Cache
	if train {
		tgtCache = &siren.Cache{}
		st.encTgt = tgtCache
	}
	reprT, err := m.enc.Forward(mem.XT, mask, tgtCache)
	if err != nil {
		return nil, err
	}
	st.phiT = ridge.Augment(reprT)

	var ycNorm *mat.VecDense
	if mem.XC != nil {
		yc := make([]float64, len(mem.YC))
		for i, v := range mem.YC {
			yc[i] = (v - st.mean) / st.std
		}
		ycNorm = mat.NewVecDense(len(yc), yc)
	}

	st.sys, err = ridge.Solve(m.cfg.ReprDim+1, st.phiC, ycNorm, m.noiseVar())
	if err != nil {
		return nil, err
	}
	predNorm, err := st.sys.Predict(st.phiT)
	if err != nil {
		return nil, err
	}

	st.pred = mat.NewVecDense(predNorm.Len(), nil)
	for i := 0; i < predNorm.Len(); i++ {
		st.pred.SetVec(i, predNorm.AtVec(i)*st.std+st.mean)
	}
	return st, nil
}

// maskedPrediction builds the NaN sentinel output for a failed member.
func maskedPrediction(nt int) *mat.VecDense {
	v := mat.NewVecDense(nt, nil)
	for i := 0; i < nt; i++ {
		v.SetVec(i, math.NaN())
	}
	return v
}

// Forward runs the batched forward pass: every member is normalized,
// encoded and solved independently under the parallel map, with dropout
// randomness drawn once and shared by all members. rng is only consulted
// when train is true and the net has dropout.
func (m *Model) Forward(members []*Member, train bool, rng *rand.Rand) ([]*mat.VecDense, error) {
	states, err := m.forward(members, train, rng)
	if err != nil {
		return nil, err
	}
	preds := make([]*mat.VecDense, len(states))
	for i, st := range states {
		preds[i] = st.pred
	}
	return preds, nil
}

func (m *Model) forward(members []*Member, train bool, rng *rand.Rand) ([]*memberState, error) {
	var mask siren.Mask
	if train {
		mask = m.enc.NewMask(rng)
	}

	states, err := parmap.MapCollect(len(members), func(i int) (*memberState, error) {
		return m.forwardMember(members[i], mask, train)
	})
	if err != nil {
		if m.cfg.OnFailure == Propagate {
			return nil, err
		}
		list := err.(parmap.ErrorList)
		for _, ie := range list {
			// Only insufficient-context failures are maskable; anything
			// else is a caller bug and still propagates.
			if _, ok := ie.Err.(*common.InsufficientContextError); !ok {
				return nil, err
			}
		}
		for _, ie := range list {
			nt, _ := members[ie.Idx].XT.Dims()
			states[ie.Idx] = &memberState{pred: maskedPrediction(nt), masked: true}
		}
	}
	return states, nil
}

// backwardMember pushes dLoss/dPred through de-normalization, the solve and
// both encoder uses, accumulating encoder gradients into gradEnc and
// returning the log-noise-variance gradient contribution.
func (m *Model) backwardMember(st *memberState, dPred *mat.VecDense, gradEnc []float64) (float64, error) {
	// De-normalization: pred = predNorm*std + mean.
	dPredNorm := mat.NewVecDense(dPred.Len(), nil)
	for i := 0; i < dPred.Len(); i++ {
		dPredNorm.SetVec(i, dPred.AtVec(i)*st.std)
	}

	g, err := st.sys.Backward(st.phiT, dPredNorm)
	if err != nil {
		return 0, err
	}
	gradLogNoise := g.DNoiseVar * m.noiseVar()

	// Strip the bias column before handing gradients to the encoder.
	nt, _ := st.phiT.Dims()
	dReprT := g.DPhiT.Slice(0, nt, 0, m.cfg.ReprDim).(*mat.Dense)
	m.enc.Backward(st.encTgt, dReprT, gradEnc)

	if g.DPhiC != nil {
		nc, _ := st.phiC.Dims()
		dReprC := g.DPhiC.Slice(0, nc, 0, m.cfg.ReprDim).(*mat.Dense)
		m.enc.Backward(st.encCtx, dReprC, gradEnc)
	}
	return gradLogNoise, nil
}
