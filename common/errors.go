package common

import (
	"errors"
	"fmt"
)

// NoData is returned when an operation receives a nil input or output set.
var NoData error = errors.New("aqinterp: nil data")

// ErrNotImplemented is returned by model families that only support the
// combined fit-predict flow when Fit or Predict is called on its own.
var ErrNotImplemented = errors.New("aqinterp: mode not implemented for this model, use fit-predict")

// DataMismatch reports inputs, outputs and weights of unequal length.
type DataMismatch struct {
	Input  int
	Output int
	Weight int
}

func (d DataMismatch) Error() string {
	return fmt.Sprintf("aqinterp: length mismatch. inputs: %v, outputs: %v, weights: %v", d.Input, d.Output, d.Weight)
}

// InsufficientContextError is returned when a context set is too small or
// degenerate for a well-posed closed-form solve: the regularized covariance
// fails to factorize, or the context targets have no spread to normalize by.
type InsufficientContextError struct {
	Points int    // number of context points
	Dim    int    // size of the system being solved, 0 if not applicable
	Reason string // "factorization failed", "degenerate targets", ...
}

func (e *InsufficientContextError) Error() string {
	return fmt.Sprintf("aqinterp: insufficient context: %s (%d points, system size %d)", e.Reason, e.Points, e.Dim)
}

// DimensionMismatchError is returned when a component produces or receives a
// width that disagrees with its configuration, e.g. an encoder emitting a
// representation narrower than the solver was built for.
type DimensionMismatchError struct {
	What string
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("aqinterp: %s dimension mismatch: got %d, want %d", e.What, e.Got, e.Want)
}
