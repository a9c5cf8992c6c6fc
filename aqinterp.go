// Package aqinterp trains and evaluates spatiotemporal interpolation models
// for air-quality sensor networks: given sparse station observations at a
// time-step, predict the target variable at other stations.
//
// The model families live in their own sub-packages:
//		deeptime is an implicit-representation regressor whose head is a
//			closed-form ridge regression recomputed on every forward pass
//		rf is a per-time-step random-forest baseline
// Shared building blocks (scalers, losses, parallel helpers) are in the
// remaining sub-packages.

package aqinterp

import "github.com/patel-zeel/aqinterp/dataset"

// An Interpolator fits on a training grid and fills in predictions on a test
// grid. The combined FitPredict is the only mode some families support; those
// return common.ErrNotImplemented from the individual methods.
type Interpolator interface {
	// Fit trains on the training grid and persists its artifacts into the
	// configured working directory.
	Fit(train *dataset.Grid) error

	// Predict loads the persisted artifacts, predicts at every test
	// observation using the training observations at the same time-step as
	// context, and returns the test grid with a "<target>_pred" variable
	// merged in.
	Predict(test, train *dataset.Grid) (*dataset.Grid, error)

	// FitPredict runs Fit followed by Predict.
	FitPredict(train, test *dataset.Grid) (*dataset.Grid, error)
}
