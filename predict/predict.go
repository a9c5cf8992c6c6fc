// Package predict provides helper routines for evaluating predictors over
// batches of inputs in parallel.
package predict

import (
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
)

// BatchPredictor hands out Predictor instances. NewPredictor exists so that
// implementations can allocate per-goroutine temporary memory; each parallel
// worker calls it once and reuses the result.
type BatchPredictor interface {
	NewPredictor() Predictor
}

type Predictor interface {
	Predict(input, output []float64)
}

// BatchPredict evaluates the predictor for every row of inputs concurrently,
// storing the result in the matching row of outputs. If outputs is nil a new
// matrix is allocated. The rows are processed in chunks of grainSize.
func BatchPredict(batch BatchPredictor, inputs *mat.Dense, outputs *mat.Dense, inputDim, outputDim, grainSize int) (*mat.Dense, error) {
	nSamples, dimInputs := inputs.Dims()
	if inputDim != dimInputs {
		return outputs, &common.DimensionMismatchError{What: "batch predict input", Got: dimInputs, Want: inputDim}
	}

	if outputs == nil {
		outputs = mat.NewDense(nSamples, outputDim, nil)
	} else {
		nOutputSamples, dimOutputs := outputs.Dims()
		if dimOutputs != outputDim {
			return outputs, &common.DimensionMismatchError{What: "batch predict output", Got: dimOutputs, Want: outputDim}
		}
		if nSamples != nOutputSamples {
			return outputs, common.DataMismatch{Input: nSamples, Output: nOutputSamples}
		}
	}

	common.ParallelFor(nSamples, grainSize, func(start, end int) {
		p := batch.NewPredictor()
		for i := start; i < end; i++ {
			p.Predict(inputs.RawRowView(i), outputs.RawRowView(i))
		}
	})
	return outputs, nil
}
