// Package siren implements the sinusoidal-representation feature encoder
// used by the deeptime model. A Net maps a set of feature vectors to a set
// of representation vectors; the representation is consumed by the
// closed-form ridge head. The encoder is a pure function of its parameters,
// so the same instance can be applied to context and target sets within one
// forward pass with gradients flowing through both uses.
//
// See Sitzmann et al., "Implicit Neural Representations with Periodic
// Activation Functions", NeurIPS 2020 for the activation and the
// initialization scheme.
package siren

import (
	"encoding/gob"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
)

func init() {
	gob.Register(&Net{})
}

// Omega0 is the frequency multiplier of the first sine layer.
const Omega0 = 30.0

type layer struct {
	in, out int
}

// Net is a feed-forward net with sine activations on the hidden layers and
// a linear output layer. Parameters are held in a single flat slice so the
// optimizer can update them in place; layer views index into it.
type Net struct {
	inputDim int
	reprDim  int
	sizes    []int // input, hidden..., repr
	dropout  float64

	parameters []float64
	offsets    []int // parameter offset of each layer's weight block
}

type netMarshal struct {
	Sizes      []int
	Dropout    float64
	Parameters []float64
}

// New constructs a net mapping inputDim features through the hidden layer
// widths to reprDim representation values. The parameters are uninitialized
// zeros; call RandomizeParameters before training.
func New(inputDim int, hidden []int, reprDim int, dropout float64) *Net {
	sizes := make([]int, 0, len(hidden)+2)
	sizes = append(sizes, inputDim)
	sizes = append(sizes, hidden...)
	sizes = append(sizes, reprDim)

	n := &Net{
		inputDim: inputDim,
		reprDim:  reprDim,
		sizes:    sizes,
		dropout:  dropout,
	}
	n.offsets = make([]int, n.numLayers())
	var total int
	for l := 0; l < n.numLayers(); l++ {
		n.offsets[l] = total
		total += (n.sizes[l] + 1) * n.sizes[l+1] // weights plus bias
	}
	n.parameters = make([]float64, total)
	return n
}

func (n *Net) numLayers() int { return len(n.sizes) - 1 }

// InputDim returns the feature dimension the net expects.
func (n *Net) InputDim() int { return n.inputDim }

// ReprDim returns the representation width the net produces.
func (n *Net) ReprDim() int { return n.reprDim }

// NumParameters returns the length of the flat parameter vector.
func (n *Net) NumParameters() int { return len(n.parameters) }

// Parameters copies the parameters into p, or into a fresh slice when p is
// nil. Panics if p has the wrong length.
func (n *Net) Parameters(p []float64) []float64 {
	if p == nil {
		p = make([]float64, n.NumParameters())
	} else if len(p) != n.NumParameters() {
		panic("siren: parameter size mismatch")
	}
	copy(p, n.parameters)
	return p
}

// SetParameters sets the parameters in the order returned by Parameters.
func (n *Net) SetParameters(p []float64) {
	if len(p) != n.NumParameters() {
		panic("siren: parameter size mismatch")
	}
	copy(n.parameters, p)
}

// RawParameters returns the backing parameter slice. The optimizer updates
// it in place between forward passes.
func (n *Net) RawParameters() []float64 { return n.parameters }

// weight returns the (i -> j) weight of layer l. Layout per layer: the
// out x in weight matrix in row-major order, then the out bias values.
func (n *Net) weightIdx(l, j, i int) int {
	return n.offsets[l] + j*n.sizes[l] + i
}

func (n *Net) biasIdx(l, j int) int {
	return n.offsets[l] + n.sizes[l+1]*n.sizes[l] + j
}

// RandomizeParameters draws the initial parameters from the SIREN scheme:
// the first layer uniform on [-1/in, 1/in], deeper layers uniform on
// [-sqrt(6/in)/Omega0, sqrt(6/in)/Omega0].
func (n *Net) RandomizeParameters(rng *rand.Rand) {
	for l := 0; l < n.numLayers(); l++ {
		in := float64(n.sizes[l])
		bound := 1.0 / in
		if l > 0 {
			bound = math.Sqrt(6.0/in) / Omega0
		}
		for j := 0; j < n.sizes[l+1]; j++ {
			for i := 0; i < n.sizes[l]; i++ {
				n.parameters[n.weightIdx(l, j, i)] = (rng.Float64()*2 - 1) * bound
			}
			n.parameters[n.biasIdx(l, j)] = (rng.Float64()*2 - 1) * bound
		}
	}
}

// Mask holds one inverted-dropout mask per hidden layer, one entry per
// hidden unit. A nil Mask disables dropout. A single Mask built once per
// forward pass is shared by every batched invocation of the encoder within
// that pass, so the batching never diverges from a direct call.
type Mask [][]float64

// NewMask draws a dropout mask for one forward pass. Entries are 0 with
// probability dropout and 1/(1-dropout) otherwise. Returns nil when the net
// has no dropout.
func (n *Net) NewMask(rng *rand.Rand) Mask {
	if n.dropout <= 0 {
		return nil
	}
	keep := 1 - n.dropout
	m := make(Mask, n.numLayers()-1)
	for l := range m {
		m[l] = make([]float64, n.sizes[l+1])
		for j := range m[l] {
			if rng.Float64() < keep {
				m[l][j] = 1 / keep
			}
		}
	}
	return m
}

// Cache stores the intermediate values of one Forward call so Backward can
// replay it. Each concurrent invocation owns its own Cache.
type Cache struct {
	input *mat.Dense
	pre   []*mat.Dense // pre-activations per layer
	act   []*mat.Dense // post-activation (and post-dropout) per layer
	mask  Mask
}

// Forward maps the (nPoints x inputDim) input matrix to a
// (nPoints x reprDim) representation matrix. mask may be nil for evaluation.
// When cache is non-nil the intermediates are stored into it for Backward.
func (n *Net) Forward(x *mat.Dense, mask Mask, cache *Cache) (*mat.Dense, error) {
	nPoints, d := x.Dims()
	if d != n.inputDim {
		return nil, &common.DimensionMismatchError{What: "encoder input", Got: d, Want: n.inputDim}
	}

	if cache != nil {
		cache.input = x
		cache.pre = make([]*mat.Dense, n.numLayers())
		cache.act = make([]*mat.Dense, n.numLayers())
		cache.mask = mask
	}

	cur := x
	for l := 0; l < n.numLayers(); l++ {
		out := n.sizes[l+1]
		in := n.sizes[l]
		pre := mat.NewDense(nPoints, out, nil)
		for p := 0; p < nPoints; p++ {
			row := cur.RawRowView(p)
			dst := pre.RawRowView(p)
			for j := 0; j < out; j++ {
				sum := n.parameters[n.biasIdx(l, j)]
				w := n.parameters[n.weightIdx(l, j, 0) : n.weightIdx(l, j, 0)+in]
				for i, v := range row {
					sum += w[i] * v
				}
				dst[j] = sum
			}
		}

		last := l == n.numLayers()-1
		var act *mat.Dense
		if last {
			act = pre
		} else {
			omega := 1.0
			if l == 0 {
				omega = Omega0
			}
			act = mat.NewDense(nPoints, out, nil)
			for p := 0; p < nPoints; p++ {
				src := pre.RawRowView(p)
				dst := act.RawRowView(p)
				for j := range src {
					dst[j] = math.Sin(omega * src[j])
					if mask != nil {
						dst[j] *= mask[l][j]
					}
				}
			}
		}

		if cache != nil {
			cache.pre[l] = pre
			cache.act[l] = act
		}
		cur = act
	}
	return cur, nil
}

// Backward accumulates dLoss/dParameters into grad given the gradient of
// the loss with respect to the representation produced by the Forward call
// that filled cache. grad must have length NumParameters; values are added,
// not overwritten, so gradients from multiple uses of the encoder within
// one pass accumulate naturally.
func (n *Net) Backward(cache *Cache, dRepr *mat.Dense, grad []float64) {
	if len(grad) != n.NumParameters() {
		panic("siren: gradient size mismatch")
	}

	delta := dRepr
	for l := n.numLayers() - 1; l >= 0; l-- {
		nPoints, out := delta.Dims()
		in := n.sizes[l]

		// The output layer is linear; hidden layers pass through the
		// dropout mask and the sine derivative.
		if l != n.numLayers()-1 {
			omega := 1.0
			if l == 0 {
				omega = Omega0
			}
			dPre := mat.NewDense(nPoints, out, nil)
			for p := 0; p < nPoints; p++ {
				src := delta.RawRowView(p)
				preRow := cache.pre[l].RawRowView(p)
				dst := dPre.RawRowView(p)
				for j := range src {
					d := src[j]
					if cache.mask != nil {
						d *= cache.mask[l][j]
					}
					dst[j] = d * omega * math.Cos(omega*preRow[j])
				}
			}
			delta = dPre
		}

		var prevAct *mat.Dense
		if l == 0 {
			prevAct = cache.input
		} else {
			prevAct = cache.act[l-1]
		}

		for p := 0; p < nPoints; p++ {
			dRow := delta.RawRowView(p)
			aRow := prevAct.RawRowView(p)
			for j := 0; j < out; j++ {
				d := dRow[j]
				if d == 0 {
					continue
				}
				base := n.weightIdx(l, j, 0)
				for i := 0; i < in; i++ {
					grad[base+i] += d * aRow[i]
				}
				grad[n.biasIdx(l, j)] += d
			}
		}

		if l > 0 {
			// Propagate to the previous layer's activations.
			dPrev := mat.NewDense(nPoints, in, nil)
			for p := 0; p < nPoints; p++ {
				dRow := delta.RawRowView(p)
				dst := dPrev.RawRowView(p)
				for j := 0; j < out; j++ {
					d := dRow[j]
					if d == 0 {
						continue
					}
					base := n.weightIdx(l, j, 0)
					for i := 0; i < in; i++ {
						dst[i] += d * n.parameters[base+i]
					}
				}
			}
			delta = dPrev
		}
	}
}

func (n *Net) MarshalBinary() ([]byte, error) {
	return gobEncode(netMarshal{
		Sizes:      n.sizes,
		Dropout:    n.dropout,
		Parameters: n.parameters,
	})
}

func (n *Net) UnmarshalBinary(data []byte) error {
	var m netMarshal
	if err := gobDecode(data, &m); err != nil {
		return err
	}
	rebuilt := New(m.Sizes[0], m.Sizes[1:len(m.Sizes)-1], m.Sizes[len(m.Sizes)-1], m.Dropout)
	if len(m.Parameters) != rebuilt.NumParameters() {
		return &common.DimensionMismatchError{What: "encoder parameters", Got: len(m.Parameters), Want: rebuilt.NumParameters()}
	}
	copy(rebuilt.parameters, m.Parameters)
	*n = *rebuilt
	return nil
}
