// Package common holds the pieces shared by every model family: typed
// errors, input verification and the parallel-for helpers.
package common

import "gonum.org/v1/gonum/mat"

// VerifyInputs checks that inputs and outputs hold the same number of rows,
// and that weights, when present, matches that count. A zero-length weights
// slice is allowed as a special case meaning "unweighted".
func VerifyInputs(inputs, outputs mat.Matrix, weights []float64) error {
	if inputs == nil || outputs == nil {
		return NoData
	}
	nSamples, _ := inputs.Dims()
	nOutputSamples, _ := outputs.Dims()
	nWeights := len(weights)
	if nSamples != nOutputSamples || (nWeights != 0 && nSamples != nWeights) {
		return DataMismatch{
			Input:  nSamples,
			Output: nOutputSamples,
			Weight: nWeights,
		}
	}
	return nil
}
