package scale

import (
	"bytes"
	"encoding/gob"
	"math"
	"reflect"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func flatten(data [][]float64) *mat.Dense {
	nSamples := len(data)
	nDim := len(data[0])
	m := mat.NewDense(nSamples, nDim, nil)
	for i := range data {
		if len(data[i]) != nDim {
			panic("bad flatten")
		}
		for j := range data[i] {
			m.Set(i, j, data[i][j])
		}
	}
	return m
}

func testGob(s Scaler, sdecode Scaler, t *testing.T) {
	w := new(bytes.Buffer)
	encoder := gob.NewEncoder(w)
	if err := encoder.Encode(s); err != nil {
		t.Error(err)
	}

	decoder := gob.NewDecoder(bytes.NewBuffer(w.Bytes()))
	if err := decoder.Decode(sdecode); err != nil {
		t.Error(err)
	}
	if !reflect.DeepEqual(s, sdecode) {
		t.Errorf("gob round trip does not match")
	}
}

func testScaling(t *testing.T, u Scaler, data *mat.Dense, scaledData *mat.Dense, name string) {
	r, c := data.Dims()
	origData := mat.NewDense(r, c, nil)
	origData.Copy(data)

	if err := ScaleData(u, data); err != nil {
		t.Errorf("Error found in ScaleData for case %v: %v", name, err)
	}
	if !mat.EqualApprox(data, scaledData, 1e-14) {
		t.Errorf("Improper scaling for case %v. Expected: %v, Found: %v", name, scaledData, data)
	}

	for i := 0; i < r; i++ {
		if err := u.Unscale(data.RawRowView(i)); err != nil {
			t.Errorf("Error found in Unscale for case %v row %d: %v", name, i, err)
		}
	}
	if !mat.EqualApprox(data, origData, 1e-14) {
		t.Errorf("Improper unscaling for case %v. Expected: %v, Found: %v", name, origData, data)
	}
}

type linearTest struct {
	data       [][]float64
	scaledData [][]float64
	min        []float64
	max        []float64
	name       string
	uniform    bool
}

func TestLinear(t *testing.T) {
	for _, test := range []linearTest{
		{
			name: "basic",
			data: [][]float64{
				{0, 4},
				{2, 8},
				{1, 6},
			},
			scaledData: [][]float64{
				{0, 0},
				{1, 1},
				{0.5, 0.5},
			},
			min: []float64{0, 4},
			max: []float64{2, 8},
		},
		{
			name: "uniform dimension",
			data: [][]float64{
				{3, 4},
				{3, 8},
			},
			scaledData: [][]float64{
				{0.5, 0},
				{0.5, 1},
			},
			min:     []float64{2.5, 4},
			max:     []float64{3.5, 8},
			uniform: true,
		},
	} {
		u := &Linear{}
		data := flatten(test.data)
		err := u.SetScale(data)
		if err != nil && !test.uniform {
			t.Errorf("Error where there shouldn't be for case %v: %v", test.name, err)
		}
		if err == nil && test.uniform {
			t.Errorf("No UniformDimension error for case %v", test.name)
		}
		if !floats.EqualApprox(u.Min, test.min, 1e-14) {
			t.Errorf("Min doesn't match for case %v: got %v, want %v", test.name, u.Min, test.min)
		}
		if !floats.EqualApprox(u.Max, test.max, 1e-14) {
			t.Errorf("Max doesn't match for case %v: got %v, want %v", test.name, u.Max, test.max)
		}
		testScaling(t, u, data, flatten(test.scaledData), test.name)
		testGob(u, &Linear{}, t)
	}
}

func TestLinearFrozenAfterFit(t *testing.T) {
	u := &Linear{}
	if err := u.SetScale(flatten([][]float64{{0, 0}, {10, 2}})); err != nil {
		t.Fatal(err)
	}
	if !u.IsScaled() {
		t.Fatal("scale not marked as set")
	}
	// Scaling new data outside the fitted range must reuse the fitted
	// statistics, never recompute them.
	point := []float64{20, 4}
	if err := u.Scale(point); err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(point, []float64{2, 2}, 1e-14) {
		t.Errorf("scale used wrong statistics: got %v", point)
	}
	if !floats.EqualApprox(u.Min, []float64{0, 0}, 1e-14) || !floats.EqualApprox(u.Max, []float64{10, 2}, 1e-14) {
		t.Errorf("fitted statistics changed: min %v max %v", u.Min, u.Max)
	}
}

func TestNormal(t *testing.T) {
	u := &Normal{}
	data := flatten([][]float64{
		{1, 10},
		{3, 10},
		{5, 10},
	})
	err := u.SetScale(data)
	if err == nil {
		t.Errorf("no UniformDimension error for constant second dimension")
	}
	if !floats.EqualApprox(u.Mu, []float64{3, 10}, 1e-14) {
		t.Errorf("wrong mean: %v", u.Mu)
	}
	if u.Sigma[1] != 1.0 {
		t.Errorf("degenerate sigma not reset to 1: %v", u.Sigma)
	}

	point := []float64{5, 10}
	if err := u.Scale(point); err != nil {
		t.Fatal(err)
	}
	if err := u.Unscale(point); err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(point, []float64{5, 10}, 1e-14) {
		t.Errorf("round trip failed: %v", point)
	}
	testGob(u, &Normal{}, t)
}

func TestNormalSkipsNaN(t *testing.T) {
	u := &Normal{}
	data := flatten([][]float64{
		{1, 2},
		{math.NaN(), 4},
		{5, 6},
	})
	if err := u.SetScale(data); err != nil {
		t.Fatal(err)
	}
	if !floats.EqualApprox(u.Mu, []float64{3, 4}, 1e-14) {
		t.Errorf("NaN entry included in mean: %v", u.Mu)
	}
	want := []float64{2, math.Sqrt(8.0 / 3.0)}
	if !floats.EqualApprox(u.Sigma, want, 1e-14) {
		t.Errorf("NaN entry included in sigma: got %v, want %v", u.Sigma, want)
	}
}

func TestScaleLengthMismatch(t *testing.T) {
	u := &Linear{}
	if err := u.SetScale(flatten([][]float64{{0, 0}, {1, 1}})); err != nil {
		t.Fatal(err)
	}
	if err := u.Scale([]float64{1}); err == nil {
		t.Errorf("no error on short point")
	}
	if err := u.Unscale([]float64{1, 2, 3}); err == nil {
		t.Errorf("no error on long point")
	}
}
