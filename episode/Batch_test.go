package episode

import (
	"math"
	"testing"

	"gorgonia.org/tensor"
)

func TestAppendAndMask(t *testing.T) {
	b := New(3, 2, 2, 1)

	// Episode 0 has 3 steps, episode 1 has 1 step
	for step := 0; step < 3; step++ {
		err := b.Append(0, []float64{float64(step), 0}, []float64{1}, 1.0)
		if err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Append(1, []float64{5, 5}, []float64{-1}, 2.0); err != nil {
		t.Fatal(err)
	}

	mask := b.Mask.Data().([]float64)
	want := []float64{
		1, 1,
		1, 0,
		1, 0,
	}
	for i := range want {
		if mask[i] != want[i] {
			t.Errorf("mask[%v]: got %v, want %v", i, mask[i], want[i])
		}
	}

	if got := b.Lengths(); got[0] != 3 || got[1] != 1 {
		t.Errorf("lengths: got %v, want [3 1]", got)
	}

	obs := b.ObservationAt(2, 0)
	if obs[0] != 2 || obs[1] != 0 {
		t.Errorf("observation at (2, 0): got %v", obs)
	}
}

func TestAppendRejectsOverflow(t *testing.T) {
	b := New(1, 1, 1, 1)
	if err := b.Append(0, []float64{0}, []float64{0}, 0); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(0, []float64{0}, []float64{0}, 0); err == nil {
		t.Error("expected error appending past the horizon")
	}
	if err := b.Append(0, []float64{0, 1}, []float64{0}, 0); err == nil {
		t.Error("expected error for wrong observation length")
	}
}

func TestComputeReturns(t *testing.T) {
	b := New(3, 1, 1, 1)
	rewards := []float64{1, 2, 3}
	for _, r := range rewards {
		if err := b.Append(0, []float64{0}, []float64{0}, r); err != nil {
			t.Fatal(err)
		}
	}

	gamma := 0.5
	b.ComputeReturns(gamma)

	returns := b.Returns.Data().([]float64)
	want := []float64{
		1 + 0.5*2 + 0.25*3,
		2 + 0.5*3,
		3,
	}
	for i := range want {
		if math.Abs(returns[i]-want[i]) > 1e-12 {
			t.Errorf("returns[%v]: got %v, want %v", i, returns[i], want[i])
		}
	}
}

func TestComputeAdvantagesZeroBaseline(t *testing.T) {
	// With a zero baseline and tau = 1, GAE reduces to the discounted
	// rewards-to-go.
	b := New(3, 1, 1, 1)
	for _, r := range []float64{1, 2, 3} {
		if err := b.Append(0, []float64{0}, []float64{0}, r); err != nil {
			t.Fatal(err)
		}
	}

	gamma := 0.9
	values := tensor.NewDense(tensor.Float64, tensor.Shape{3, 1})
	if err := b.ComputeAdvantages(values, gamma, 1.0, false); err != nil {
		t.Fatal(err)
	}
	b.ComputeReturns(gamma)

	adv := b.Advantages.Data().([]float64)
	returns := b.Returns.Data().([]float64)
	for i := range adv {
		if math.Abs(adv[i]-returns[i]) > 1e-12 {
			t.Errorf("advantages[%v]: got %v, want %v", i, adv[i], returns[i])
		}
	}
}

func TestComputeAdvantagesRejectsShape(t *testing.T) {
	b := New(3, 2, 1, 1)
	values := tensor.NewDense(tensor.Float64, tensor.Shape{2, 2})
	if err := b.ComputeAdvantages(values, 0.9, 1.0, false); err == nil {
		t.Error("expected error for wrong values shape")
	}
}

func TestNormalizedAdvantages(t *testing.T) {
	b := New(2, 2, 1, 1)
	rewards := [][]float64{{1, 3}, {2, 4}}
	for i := 0; i < 2; i++ {
		for _, r := range rewards[i] {
			if err := b.Append(i, []float64{0}, []float64{0}, r); err != nil {
				t.Fatal(err)
			}
		}
	}

	values := tensor.NewDense(tensor.Float64, tensor.Shape{2, 2})
	if err := b.ComputeAdvantages(values, 1.0, 1.0, true); err != nil {
		t.Fatal(err)
	}

	adv := b.Advantages.Data().([]float64)
	mask := b.Mask.Data().([]float64)
	sum := 0.0
	count := 0.0
	for i, m := range mask {
		if m != 0 {
			sum += adv[i]
			count++
		}
	}
	if math.Abs(sum/count) > 1e-8 {
		t.Errorf("normalized advantages have mean %v, want 0", sum/count)
	}
}
