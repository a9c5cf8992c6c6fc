package deeptime

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/patel-zeel/aqinterp/common"
	"github.com/patel-zeel/aqinterp/dataset"
	"github.com/patel-zeel/aqinterp/loss"
	"github.com/patel-zeel/aqinterp/scale"
)

func testConfig(dir string) Config {
	return Config{
		Features:        []string{"latitude", "longitude"},
		Target:          "pm25",
		HiddenDims:      []int{8, 8},
		ReprDim:         4,
		Dropout:         0,
		ContextFraction: 0.5,
		BatchSize:       2,
		Epochs:          3,
		LR:              1e-3,
		RandomState:     7,
		WorkingDir:      dir,
	}
}

func randomMember(rng *rand.Rand, nc, nt, dim int) *Member {
	mem := &Member{}
	if nc > 0 {
		xc := mat.NewDense(nc, dim, nil)
		yc := make([]float64, nc)
		for i := 0; i < nc; i++ {
			for j := 0; j < dim; j++ {
				xc.Set(i, j, rng.Float64())
			}
			yc[i] = rng.NormFloat64()
		}
		mem.XC, mem.YC = xc, yc
	}
	xt := mat.NewDense(nt, dim, nil)
	yt := make([]float64, nt)
	for i := 0; i < nt; i++ {
		for j := 0; j < dim; j++ {
			xt.Set(i, j, rng.Float64())
		}
		yt[i] = rng.NormFloat64()
	}
	mem.XT, mem.YT = xt, yt
	return mem
}

func TestContextStats(t *testing.T) {
	mean, std, err := contextStats([]float64{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(mean-2.5) > 1e-12 {
		t.Errorf("mean: got %v, want 2.5", mean)
	}
	// Sample standard deviation with the n-1 denominator.
	want := math.Sqrt((2.25 + 0.25 + 0.25 + 2.25) / 3)
	if math.Abs(std-want) > 1e-12 {
		t.Errorf("std: got %v, want %v", std, want)
	}

	if _, _, err := contextStats([]float64{5}); err == nil {
		t.Error("single-point context: expected error")
	} else if _, ok := err.(*common.InsufficientContextError); !ok {
		t.Errorf("single-point context: got %T, want InsufficientContextError", err)
	}
	if _, _, err := contextStats([]float64{3, 3, 3}); err == nil {
		t.Error("constant context: expected error")
	}

	mean, std, err = contextStats(nil)
	if err != nil || mean != 0 || std != 1 {
		t.Errorf("empty context: got (%v, %v, %v), want (0, 1, nil)", mean, std, err)
	}
}

func TestForwardDeterministic(t *testing.T) {
	m, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(1))
	m.RandomizeParameters(rng)

	members := []*Member{
		randomMember(rng, 6, 3, 2),
		randomMember(rng, 4, 5, 2),
	}
	a, err := m.Forward(members, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Forward(members, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i].Len() != len(members[i].YT) {
			t.Fatalf("member %d: got %d predictions, want %d", i, a[i].Len(), len(members[i].YT))
		}
		for j := 0; j < a[i].Len(); j++ {
			if a[i].AtVec(j) != b[i].AtVec(j) {
				t.Errorf("member %d point %d: %v != %v", i, j, a[i].AtVec(j), b[i].AtVec(j))
			}
			if math.IsNaN(a[i].AtVec(j)) {
				t.Errorf("member %d point %d: NaN prediction", i, j)
			}
		}
	}
}

func TestForwardEmptyContext(t *testing.T) {
	m, err := New(testConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(2))
	m.RandomizeParameters(rng)

	preds, err := m.Forward([]*Member{randomMember(rng, 0, 4, 2)}, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Zero weights under full regularization, de-normalized by (0, 1).
	for j := 0; j < preds[0].Len(); j++ {
		if preds[0].AtVec(j) != 0 {
			t.Errorf("point %d: got %v, want 0", j, preds[0].AtVec(j))
		}
	}
}

func TestFailurePolicies(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	good := randomMember(rng, 6, 3, 2)
	bad := randomMember(rng, 4, 3, 2)
	for i := range bad.YC {
		bad.YC[i] = 7 // constant targets, no spread
	}

	cfg := testConfig(t.TempDir())
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	m.RandomizeParameters(rng)
	if _, err := m.Forward([]*Member{good, bad}, false, nil); err == nil {
		t.Error("propagate policy: expected error")
	}

	cfg.OnFailure = Mask
	mm, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	mm.RandomizeParameters(rand.New(rand.NewSource(3)))
	preds, err := mm.Forward([]*Member{good, bad}, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	for j := 0; j < preds[0].Len(); j++ {
		if math.IsNaN(preds[0].AtVec(j)) {
			t.Errorf("good member point %d: unexpected NaN", j)
		}
	}
	for j := 0; j < preds[1].Len(); j++ {
		if !math.IsNaN(preds[1].AtVec(j)) {
			t.Errorf("bad member point %d: got %v, want NaN", j, preds[1].AtVec(j))
		}
	}
}

// batchLoss mirrors the target-count weighting of the training gradient.
func batchLoss(m *Model, members []*Member) float64 {
	states, err := m.forward(members, true, nil)
	if err != nil {
		panic(err)
	}
	nTotal := 0
	for i := range members {
		nTotal += len(members[i].YT)
	}
	sd := loss.SquaredDistance{}
	var total float64
	for i, st := range states {
		n := len(members[i].YT)
		total += sd.Loss(st.pred.RawVector().Data, members[i].YT) * float64(n) / float64(nTotal)
	}
	return total
}

func TestGradientFiniteDifference(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.HiddenDims = []int{5}
	cfg.ReprDim = 3
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(4))
	m.RandomizeParameters(rng)

	members := []*Member{
		randomMember(rng, 5, 3, 2),
		randomMember(rng, 7, 2, 2),
	}

	params := m.Parameters(nil)
	grad := make([]float64, len(params))
	m.SetParameters(params)
	states, err := m.forward(members, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.backward(states, members, grad); err != nil {
		t.Fatal(err)
	}

	const fdStep = 1e-6
	for i := range params {
		orig := params[i]
		params[i] = orig + fdStep
		m.SetParameters(params)
		up := batchLoss(m, members)
		params[i] = orig - fdStep
		m.SetParameters(params)
		lo := batchLoss(m, members)
		params[i] = orig

		fd := (up - lo) / (2 * fdStep)
		if diff := math.Abs(fd - grad[i]); diff > 1e-4*math.Max(1, math.Abs(fd)) {
			t.Errorf("parameter %d: analytic %v, finite difference %v", i, grad[i], fd)
		}
	}
}

func syntheticGrid(rng *rand.Rand, times []int64, nStations int) *dataset.Grid {
	stations := make([]string, nStations)
	lat := make([][]float64, len(times))
	lon := make([][]float64, len(times))
	pm := make([][]float64, len(times))
	lats := make([]float64, nStations)
	lons := make([]float64, nStations)
	for j := 0; j < nStations; j++ {
		stations[j] = string(rune('A' + j))
		lats[j] = 28 + rng.Float64()
		lons[j] = 77 + rng.Float64()
	}
	for i := range times {
		lat[i] = append([]float64(nil), lats...)
		lon[i] = append([]float64(nil), lons...)
		pm[i] = make([]float64, nStations)
		for j := 0; j < nStations; j++ {
			pm[i][j] = 50 + 10*lats[j] - 5*lons[j] + rng.NormFloat64()
		}
	}
	g := dataset.NewGrid(times, stations)
	g.AddVar("latitude", lat)
	g.AddVar("longitude", lon)
	g.AddVar("pm25", pm)
	return g
}

func TestFitPredictEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Epochs = 2
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(5))
	times := []int64{0, 3600, 7200, 10800}
	train := syntheticGrid(rng, times, 8)
	test := syntheticGrid(rng, times, 5)
	// Mark one test value missing; predictions must still cover it.
	test.Vars["pm25"][0][0] = math.NaN()

	out, err := m.FitPredict(train, test)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{ModelFile, MetadataFile, PredictionsFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing artifact %s: %v", name, err)
		}
	}

	preds, err := out.Var("pm25_pred")
	if err != nil {
		t.Fatal(err)
	}
	for i := range preds {
		for j := range preds[i] {
			if math.IsNaN(preds[i][j]) {
				t.Errorf("time %d station %d: NaN prediction", i, j)
			}
		}
	}

	md, err := m.LoadMetadata()
	if err != nil {
		t.Fatal(err)
	}
	if len(md.Losses) != cfg.Epochs {
		t.Errorf("loss history: got %d entries, want %d", len(md.Losses), cfg.Epochs)
	}
	for i, l := range md.Losses {
		if math.IsNaN(l) || math.IsInf(l, 0) {
			t.Errorf("epoch %d: non-finite loss %v", i, l)
		}
	}
	if md.Scaler == nil || md.Scaler.Dimensions() != 2 {
		t.Errorf("metadata scaler not frozen: %+v", md.Scaler)
	}
}

func TestNormalizationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	y := make([]float64, 20)
	for i := range y {
		y[i] = 40 + 15*rng.NormFloat64()
	}
	mean, std, err := contextStats(y)
	if err != nil {
		t.Fatal(err)
	}
	// De-normalizing the normalized targets must restore the originals,
	// mirroring what the forward pass does to its predictions.
	for i, v := range y {
		norm := (v - mean) / std
		if back := norm*std + mean; math.Abs(back-v) > 1e-12 {
			t.Errorf("point %d: round trip %v != %v", i, back, v)
		}
	}
}

func TestNormalFeatureScaling(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.FeatureScaling = "normal"
	cfg.Epochs = 1
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(12))
	train := syntheticGrid(rng, []int64{0, 3600, 7200}, 6)
	if err := m.Fit(train); err != nil {
		t.Fatal(err)
	}

	md, err := m.LoadMetadata()
	if err != nil {
		t.Fatal(err)
	}
	normal, ok := md.Scaler.(*scale.Normal)
	if !ok {
		t.Fatalf("persisted scaler: got %T, want *scale.Normal", md.Scaler)
	}
	if normal.Dimensions() != 2 || !normal.IsScaled() {
		t.Errorf("scaler stats not frozen: %+v", normal)
	}

	cfg.FeatureScaling = "affine"
	bad, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := bad.Fit(train); err == nil {
		t.Error("unknown feature scaling: expected error")
	}
}

func TestImprovementTracker(t *testing.T) {
	tracker := newImprovementTracker()
	losses := []float64{5, 3, 4, 2}
	want := []bool{true, true, false, true}
	for i, l := range losses {
		if got := tracker.improved(l); got != want[i] {
			t.Errorf("epoch %d (loss %v): improved = %v, want %v", i, l, got, want[i])
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig(t.TempDir())
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(6))
	m.RandomizeParameters(rng)
	want := m.Parameters(nil)
	if err := m.saveCheckpoint(); err != nil {
		t.Fatal(err)
	}

	other, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.LoadCheckpoint(); err != nil {
		t.Fatal(err)
	}
	got := other.Parameters(nil)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parameter %d differs after reload: %v != %v", i, got[i], want[i])
		}
	}
}
