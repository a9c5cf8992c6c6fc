package deeptime

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/patel-zeel/aqinterp/dataset"
	"github.com/patel-zeel/aqinterp/scale"
)

// Predict restores the trained state from the working directory and fills
// in the target variable at every station of the test grid. For each test
// time-step the context is the observed training points at the same time
// key; a test time with no training counterpart is left as NaN. A
// degenerate context follows the failure policy: Propagate aborts the call,
// Mask leaves that time-step as NaN. The result carries every variable of
// the test grid plus "<target>_pred", and is also persisted to the working
// directory.
func (m *Model) Predict(test, train *dataset.Grid) (*dataset.Grid, error) {
	if err := m.LoadCheckpoint(); err != nil {
		return nil, err
	}
	md, err := m.LoadMetadata()
	if err != nil {
		return nil, err
	}
	return m.predict(test, train, md.Scaler)
}

func (m *Model) predict(test, train *dataset.Grid, scaler scale.Scaler) (*dataset.Grid, error) {
	preds := make([][]float64, len(test.Times))
	for i := range preds {
		preds[i] = make([]float64, len(test.Stations))
		for j := range preds[i] {
			preds[i][j] = math.NaN()
		}
	}

	for ti, tm := range test.Times {
		trainIdx, ok := train.TimeIndex(tm)
		if !ok {
			logrus.WithField("time", tm).Debug("no training observations at test time")
			continue
		}
		ctx, err := train.TimeStep(trainIdx, m.cfg.Features, m.cfg.Target, true)
		if err != nil {
			return nil, err
		}
		tgt, err := test.TimeStep(ti, m.cfg.Features, m.cfg.Target, false)
		if err != nil {
			return nil, err
		}
		if tgt.Len() == 0 {
			continue
		}
		if ctx.Len() > 0 {
			if err := scale.ScaleData(scaler, ctx.X); err != nil {
				return nil, err
			}
		}
		if err := scale.ScaleData(scaler, tgt.X); err != nil {
			return nil, err
		}

		mem := &Member{XT: tgt.X}
		if ctx.Len() > 0 {
			mem.XC, mem.YC = ctx.X, ctx.Y
		}
		out, err := m.Forward([]*Member{mem}, false, nil)
		if err != nil {
			return nil, fmt.Errorf("deeptime: time %d: %w", tm, err)
		}
		for k, st := range tgt.Stations {
			preds[ti][st] = out[0].AtVec(k)
		}
	}

	result := dataset.NewGrid(test.Times, test.Stations)
	for name, values := range test.Vars {
		if err := result.AddVar(name, values); err != nil {
			return nil, err
		}
	}
	if err := result.AddVar(m.cfg.Target+"_pred", preds); err != nil {
		return nil, err
	}
	if err := result.Save(filepath.Join(m.cfg.WorkingDir, PredictionsFile)); err != nil {
		return nil, err
	}
	return result, nil
}

// FitPredict trains on the first grid and predicts the second.
func (m *Model) FitPredict(train, test *dataset.Grid) (*dataset.Grid, error) {
	if err := m.Fit(train); err != nil {
		return nil, err
	}
	return m.Predict(test, train)
}
