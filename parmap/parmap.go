// Package parmap provides an explicit parallel map over a fixed index set.
// It is the execution strategy behind the per-dimension batching of the
// deeptime model: the same code path serves a single dimension or many, with
// no special case for either.
//
// The map itself consumes no randomness. Callers that need randomness inside
// f (dropout, sampling) must materialize it once before the call and share
// it across every index, so results never depend on scheduling order.
package parmap

import (
	"fmt"

	"github.com/patel-zeel/aqinterp/common"
)

// IndexError tags a failure with the index it occurred at.
type IndexError struct {
	Idx int
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("parmap: index %d: %v", e.Idx, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// ErrorList collects the per-index failures of one Map call, ordered by
// index.
type ErrorList []*IndexError

func (e ErrorList) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("parmap: %d indices failed, first: %v", len(e), e[0])
}

// Map applies f to every index in [0, n) in parallel. Indices are
// independent; no ordering is guaranteed between them. If any invocation
// returns an error, Map returns an ErrorList of every failure; the caller
// decides whether to abort or mask the failed members.
func Map(n int, f func(i int) error) error {
	errs := make([]error, n)
	common.ParallelFor(n, 1, func(start, end int) {
		for i := start; i < end; i++ {
			errs[i] = f(i)
		}
	})

	var list ErrorList
	for i, err := range errs {
		if err != nil {
			list = append(list, &IndexError{Idx: i, Err: err})
		}
	}
	if len(list) != 0 {
		return list
	}
	return nil
}

// MapCollect is Map with a result slot per index. It exists so callers do
// not each reinvent the results-slice pattern.
func MapCollect[T any](n int, f func(i int) (T, error)) ([]T, error) {
	out := make([]T, n)
	errs := make([]error, n)
	common.ParallelFor(n, 1, func(start, end int) {
		for i := start; i < end; i++ {
			out[i], errs[i] = f(i)
		}
	})

	var list ErrorList
	for i, err := range errs {
		if err != nil {
			list = append(list, &IndexError{Idx: i, Err: err})
		}
	}
	if len(list) != 0 {
		return out, list
	}
	return out, nil
}
