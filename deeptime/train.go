package deeptime

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	adamw "github.com/n0madic/go-adamw"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/dataset"
	"github.com/patel-zeel/aqinterp/loss"
	"github.com/patel-zeel/aqinterp/scale"
)

// buildSteps extracts the observed points of every time-step of the grid and
// scales the features in place. Time-steps with fewer than two observed
// points are skipped; they cannot be split into a context with a defined
// standard deviation.
func buildSteps(g *dataset.Grid, features []string, target string, scaler scale.Scaler) ([]*dataset.Obs, error) {
	var steps []*dataset.Obs
	for t := range g.Times {
		obs, err := g.TimeStep(t, features, target, true)
		if err != nil {
			return nil, err
		}
		if obs.Len() < 2 {
			logrus.WithFields(logrus.Fields{"time": g.Times[t], "points": obs.Len()}).
				Debug("skipping time-step with too few observations")
			continue
		}
		if err := scale.ScaleData(scaler, obs.X); err != nil {
			return nil, err
		}
		steps = append(steps, obs)
	}
	if len(steps) == 0 {
		return nil, errors.New("deeptime: no trainable time-steps")
	}
	return steps, nil
}

// splitMembers turns the indexed time-steps of one minibatch into forward
// members by randomly splitting each into context and target. Time-steps
// whose draw leaves fewer than two context points are dropped from the
// batch.
func (m *Model) splitMembers(steps []*dataset.Obs, idx []int, rng *rand.Rand) []*Member {
	members := make([]*Member, 0, len(idx))
	for _, k := range idx {
		ctx, tgt := dataset.Split(steps[k], m.cfg.ContextFraction, rng)
		if ctx.Len() < 2 || tgt.Len() == 0 {
			continue
		}
		members = append(members, &Member{XC: ctx.X, YC: ctx.Y, XT: tgt.X, YT: tgt.Y})
	}
	return members
}

// backward computes the batch loss and its gradient with respect to the flat
// parameter vector. Member losses are weighted by their target counts, so
// the batch loss is the plain mean squared error over every target point of
// every member. The mean absolute error is tracked alongside as a training
// metric. Masked members contribute nothing.
func (m *Model) backward(states []*memberState, members []*Member, grad []float64) (batchLoss, batchMAE float64, err error) {
	for i := range grad {
		grad[i] = 0
	}

	nTotal := 0
	for i, st := range states {
		if st.masked {
			continue
		}
		nTotal += len(members[i].YT)
	}
	if nTotal == 0 {
		return 0, 0, errors.New("deeptime: every member of the batch was masked")
	}

	sd := loss.SquaredDistance{}
	md := loss.ManhattanDistance{}
	gradEnc := grad[:m.enc.NumParameters()]
	for i, st := range states {
		if st.masked {
			continue
		}
		mem := members[i]
		n := len(mem.YT)
		deriv := make([]float64, n)
		memberLoss := sd.LossDeriv(st.pred.RawVector().Data, mem.YT, deriv)

		// Reweight the per-member means to whole-batch means.
		w := float64(n) / float64(nTotal)
		batchLoss += memberLoss * w
		batchMAE += md.Loss(st.pred.RawVector().Data, mem.YT) * w
		for j := range deriv {
			deriv[j] *= w
		}

		gln, err := m.backwardMember(st, mat.NewVecDense(n, deriv), gradEnc)
		if err != nil {
			return 0, 0, err
		}
		grad[len(grad)-1] += gln
	}
	return batchLoss, batchMAE, nil
}

// improvementTracker decides when a checkpoint is due: only when the epoch
// loss beats the best loss seen so far.
type improvementTracker struct {
	best float64
}

func newImprovementTracker() *improvementTracker {
	return &improvementTracker{best: math.Inf(1)}
}

func (t *improvementTracker) improved(loss float64) bool {
	if loss < t.best {
		t.best = loss
		return true
	}
	return false
}

// newScaler builds the configured feature scaler.
func (m *Model) newScaler() (scale.Scaler, error) {
	switch m.cfg.FeatureScaling {
	case "", "minmax":
		return &scale.Linear{}, nil
	case "normal":
		return &scale.Normal{}, nil
	default:
		return nil, fmt.Errorf("deeptime: unknown feature scaling %q", m.cfg.FeatureScaling)
	}
}

// Fit trains the encoder and noise variance on the grid. Feature stats are
// computed once over the whole grid and frozen; every epoch re-splits each
// time-step into a fresh random context and target. The checkpoint is only
// rewritten when the epoch loss improves on the best seen so far, and the
// metadata artifact is written once at the end.
func (m *Model) Fit(train *dataset.Grid) error {
	rng := rand.New(rand.NewSource(m.cfg.RandomState))

	table, err := train.Table(m.cfg.Features)
	if err != nil {
		return err
	}
	scaler, err := m.newScaler()
	if err != nil {
		return err
	}
	if err := scaler.SetScale(table); err != nil {
		var uniform *scale.UniformDimension
		if !errors.As(err, &uniform) {
			return err
		}
		logrus.WithField("dims", uniform.Dims).Warn("uniform feature dimensions defaulted for scaling")
	}

	steps, err := buildSteps(train, m.cfg.Features, m.cfg.Target, scaler)
	if err != nil {
		return err
	}

	m.RandomizeParameters(rng)
	params := m.Parameters(nil)
	grad := make([]float64, len(params))
	opt, err := adamw.New(params, adamw.Options{Alpha: m.cfg.LR})
	if err != nil {
		return err
	}

	batches := dataset.NewBatches(len(steps), m.cfg.BatchSize, true, rng)
	losses := make([]float64, 0, m.cfg.Epochs)
	tracker := newImprovementTracker()

	for epoch := 0; epoch < m.cfg.Epochs; epoch++ {
		batches.Reset()
		var epochLoss, epochMAE float64
		nBatches := 0
		for idx := batches.Next(); idx != nil; idx = batches.Next() {
			members := m.splitMembers(steps, idx, rng)
			if len(members) == 0 {
				continue
			}

			m.SetParameters(params)
			states, err := m.forward(members, true, rng)
			if err != nil {
				return fmt.Errorf("deeptime: epoch %d: %w", epoch, err)
			}
			batchLoss, batchMAE, err := m.backward(states, members, grad)
			if err != nil {
				return fmt.Errorf("deeptime: epoch %d: %w", epoch, err)
			}
			if err := opt.Step(params, grad); err != nil {
				return fmt.Errorf("deeptime: epoch %d: %w", epoch, err)
			}

			epochLoss += batchLoss
			epochMAE += batchMAE
			nBatches++
		}
		if nBatches == 0 {
			return errors.New("deeptime: no usable batches in epoch")
		}

		avg := epochLoss / float64(nBatches)
		losses = append(losses, avg)
		improved := tracker.improved(avg)

		logrus.WithFields(logrus.Fields{
			"epoch":    epoch,
			"loss":     avg,
			"mae":      epochMAE / float64(nBatches),
			"improved": improved,
		}).Info("epoch complete")

		m.SetParameters(params)
		if improved {
			if err := m.saveCheckpoint(); err != nil {
				return err
			}
		}
	}

	md := &Metadata{
		Features: m.cfg.Features,
		Target:   m.cfg.Target,
		Scaler:   scaler,
		Losses:   losses,
	}
	return saveGob(filepath.Join(m.cfg.WorkingDir, MetadataFile), md)
}
