package rf

import (
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"

	"github.com/patel-zeel/aqinterp/common"
	"github.com/patel-zeel/aqinterp/dataset"
	"github.com/patel-zeel/aqinterp/predict"
)

// FailurePolicy decides what a degenerate time-step produces.
type FailurePolicy int

const (
	// Propagate aborts FitPredict with the time-step's error.
	Propagate FailurePolicy = iota
	// Mask substitutes a NaN row for the failing time-step.
	Mask
)

// Config collects the recognized options of the forest baseline.
type Config struct {
	Features    []string `json:"features"`
	Target      string   `json:"target"`
	NEstimators int      `json:"n_estimators"`
	MaxDepth    int      `json:"max_depth"`
	RandomState uint64   `json:"random_state"`
	// Workers bounds the task pool; zero or negative means GOMAXPROCS.
	Workers    int    `json:"workers"`
	WorkingDir string `json:"working_dir"`

	OnFailure FailurePolicy `json:"-"`
}

// Model runs one independent forest per time-step. There is no training
// artifact to persist and no state carried between time-steps, so only
// FitPredict is supported.
type Model struct {
	cfg Config
}

// PredictionsFile is the artifact name of the merged output grid.
const PredictionsFile = "predictions.gob"

func New(cfg Config) (*Model, error) {
	if len(cfg.Features) == 0 || cfg.Target == "" {
		return nil, common.NoData
	}
	return &Model{cfg: cfg}, nil
}

// Fit is unsupported; the baseline has no persistent trained state.
func (m *Model) Fit(train *dataset.Grid) error { return common.ErrNotImplemented }

// Predict is unsupported; use FitPredict.
func (m *Model) Predict(test, train *dataset.Grid) (*dataset.Grid, error) {
	return nil, common.ErrNotImplemented
}

// timeResult is the explicit outcome of one time-step task: either a full
// prediction row or an error. Workers never fail silently.
type timeResult struct {
	idx   int
	preds []float64
	err   error
}

// fitPredictStep fits a forest on the training observations at one time key
// and predicts every station of the test grid at that time. The forest seed
// is derived from the time index so results do not depend on worker
// scheduling.
func (m *Model) fitPredictStep(test, train *dataset.Grid, ti int) ([]float64, error) {
	preds := make([]float64, len(test.Stations))
	for j := range preds {
		preds[j] = math.NaN()
	}

	trainIdx, ok := train.TimeIndex(test.Times[ti])
	if !ok {
		return preds, &common.InsufficientContextError{Reason: "no training observations at test time"}
	}
	ctx, err := train.TimeStep(trainIdx, m.cfg.Features, m.cfg.Target, true)
	if err != nil {
		return preds, err
	}
	tgt, err := test.TimeStep(ti, m.cfg.Features, m.cfg.Target, false)
	if err != nil {
		return preds, err
	}
	if tgt.Len() == 0 {
		return preds, nil
	}
	// An all-NaN training time-step leaves no context at all.
	if ctx.Len() < 2 {
		return preds, &common.InsufficientContextError{
			Points: ctx.Len(),
			Reason: "too few observed stations to fit a forest",
		}
	}

	forest := &Forest{NEstimators: m.cfg.NEstimators, MaxDepth: m.cfg.MaxDepth}
	rng := rand.New(rand.NewSource(m.cfg.RandomState + uint64(ti)))
	if err := forest.Fit(ctx.X, ctx.Y, rng); err != nil {
		return preds, err
	}
	grain := common.GetGrainSize(tgt.Len(), 1, 64)
	out, err := predict.BatchPredict(forest, tgt.X, nil, len(m.cfg.Features), 1, grain)
	if err != nil {
		return preds, err
	}
	for k, st := range tgt.Stations {
		preds[st] = out.At(k, 0)
	}
	return preds, nil
}

// FitPredict runs one forest task per test time-step on a bounded worker
// pool and merges the prediction rows into a copy of the test grid under
// "<target>_pred". The merged grid is persisted to the working directory.
func (m *Model) FitPredict(train, test *dataset.Grid) (*dataset.Grid, error) {
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	jobs := make(chan int)
	results := make(chan timeResult)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ti := range jobs {
				preds, err := m.fitPredictStep(test, train, ti)
				results <- timeResult{idx: ti, preds: preds, err: err}
			}
		}()
	}
	go func() {
		for ti := range test.Times {
			jobs <- ti
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	rows := make([][]float64, len(test.Times))
	var firstErr error
	for res := range results {
		if res.err != nil {
			_, degenerate := res.err.(*common.InsufficientContextError)
			if m.cfg.OnFailure == Mask && degenerate {
				logrus.WithFields(logrus.Fields{
					"time": test.Times[res.idx],
					"err":  res.err,
				}).Warn("masking degenerate time-step")
			} else if firstErr == nil {
				firstErr = fmt.Errorf("rf: time %d: %w", test.Times[res.idx], res.err)
			}
		}
		rows[res.idx] = res.preds
	}
	if firstErr != nil {
		return nil, firstErr
	}

	result := dataset.NewGrid(test.Times, test.Stations)
	for name, values := range test.Vars {
		if err := result.AddVar(name, values); err != nil {
			return nil, err
		}
	}
	if err := result.AddVar(m.cfg.Target+"_pred", rows); err != nil {
		return nil, err
	}
	if m.cfg.WorkingDir != "" {
		if err := result.Save(filepath.Join(m.cfg.WorkingDir, PredictionsFile)); err != nil {
			return nil, err
		}
	}
	return result, nil
}
