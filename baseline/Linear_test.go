package baseline

import (
	"math"
	"testing"

	"github.com/samuelfneumann/gomaml/episode"
)

func TestUnfittedPredictsZero(t *testing.T) {
	b := episode.New(2, 1, 1, 1)
	if err := b.Append(0, []float64{1}, []float64{0}, 1); err != nil {
		t.Fatal(err)
	}

	l := NewLinear(1e-5)
	values, err := l.Values(b)
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range values.Data().([]float64) {
		if v != 0 {
			t.Errorf("unfitted baseline predicted %v, want 0", v)
		}
	}
}

func TestFitRecoversLinearTargets(t *testing.T) {
	// Returns that are an exact linear function of the observation
	// should be fit almost exactly.
	b := episode.New(1, 6, 1, 1)
	for i := 0; i < 6; i++ {
		obs := float64(i) - 2.5
		if err := b.Append(i, []float64{obs}, []float64{0},
			3*obs+1); err != nil {
			t.Fatal(err)
		}
	}
	b.ComputeReturns(1.0)

	l := NewLinear(1e-8)
	if err := l.Fit(b); err != nil {
		t.Fatal(err)
	}

	values, err := l.Values(b)
	if err != nil {
		t.Fatal(err)
	}
	returns := b.Returns.Data().([]float64)
	for i, v := range values.Data().([]float64) {
		if math.Abs(v-returns[i]) > 1e-4 {
			t.Errorf("value[%v]: got %v, want %v", i, v, returns[i])
		}
	}
}

func TestFitRejectsEmptyBatch(t *testing.T) {
	b := episode.New(2, 1, 1, 1)
	l := NewLinear(1e-5)
	if err := l.Fit(b); err == nil {
		t.Error("expected error fitting an empty batch")
	}
}

func TestValuesRespectMask(t *testing.T) {
	b := episode.New(3, 1, 1, 1)
	if err := b.Append(0, []float64{2}, []float64{0}, 1); err != nil {
		t.Fatal(err)
	}
	b.ComputeReturns(1.0)

	l := NewLinear(1e-5)
	if err := l.Fit(b); err != nil {
		t.Fatal(err)
	}
	values, err := l.Values(b)
	if err != nil {
		t.Fatal(err)
	}

	data := values.Data().([]float64)
	if data[1] != 0 || data[2] != 0 {
		t.Errorf("padded timesteps should have value 0, got %v", data[1:])
	}
}
