package policy

import (
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/distribution"
	"github.com/samuelfneumann/gomaml/episode"
)

func TestGaussianLinearForwardMean(t *testing.T) {
	p, err := NewGaussianLinear(2, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	// W = [2, -1], b = 0.5
	params := p.Parameters()
	params[0].SetValue(2)
	params[1].SetValue(-1)
	params[2].SetValue(0.5)

	obs := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1, 2},
		tensor.WithBacking([]float64{3, 4}))
	dist, err := p.Forward(obs, nil)
	if err != nil {
		t.Fatal(err)
	}

	mean := dist.(*distribution.Normal).MeanValueAt(0, 0)
	want := 2.0*3 - 1.0*4 + 0.5
	if math.Abs(mean[0]-want) > 1e-12 {
		t.Errorf("mean: got %v, want %v", mean[0], want)
	}
}

func TestUpdateParamsIsFunctional(t *testing.T) {
	p, err := NewGaussianLinear(1, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	params := p.Parameters()
	before := autograd.ParamsToVector(params)

	// loss = w², gradient 2w
	loss := autograd.Square(params[0])
	newParams, err := p.UpdateParams(loss, nil, 0.1, false)
	if err != nil {
		t.Fatal(err)
	}

	after := autograd.ParamsToVector(params)
	for i := 0; i < before.Len(); i++ {
		if before.AtVec(i) != after.AtVec(i) {
			t.Errorf("stored parameter %v mutated: %v -> %v", i,
				before.AtVec(i), after.AtVec(i))
		}
	}

	want := before.AtVec(0) - 0.1*2*before.AtVec(0)
	if math.Abs(newParams[0].Value()-want) > 1e-12 {
		t.Errorf("updated parameter: got %v, want %v",
			newParams[0].Value(), want)
	}
}

// TestUpdateParamsSecondOrder verifies that gradients flow through the
// inner update into the base parameters, and that firstOrder removes
// the second-order term.
func TestUpdateParamsSecondOrder(t *testing.T) {
	lr := 0.1
	v := 2.0

	run := func(firstOrder bool) float64 {
		p, err := NewGaussianLinear(1, 1, 1.0)
		if err != nil {
			t.Fatal(err)
		}
		w := p.Parameters()[0]
		w.SetValue(v)

		inner := autograd.Square(w) // w' = w - lr*2w = (1-2lr)w
		adapted, err := p.UpdateParams(inner, nil, lr, firstOrder)
		if err != nil {
			t.Fatal(err)
		}

		outer := autograd.Square(adapted[0]) // L = w'²
		grads := autograd.Grad(outer, []*autograd.Node{w})
		return grads[0].Value()
	}

	// Full second order: dL/dw = 2(1-2lr)²w
	factor := 1 - 2*lr
	wantFull := 2 * factor * factor * v
	if got := run(false); math.Abs(got-wantFull) > 1e-12 {
		t.Errorf("second-order gradient: got %v, want %v", got, wantFull)
	}

	// First order: the inner gradient is a constant, so
	// dL/dw = 2w' = 2(1-2lr)w
	wantFirst := 2 * factor * v
	if got := run(true); math.Abs(got-wantFirst) > 1e-12 {
		t.Errorf("first-order gradient: got %v, want %v", got, wantFirst)
	}
}

func TestReinforceLossValue(t *testing.T) {
	// One episode, two steps, 1-D obs and action. With zero weights
	// the policy is N(0, 1), so logπ(a) = -a²/2 - ½ln(2π) and the
	// loss is -mean_t(logπ(a_t)·adv_t).
	p, err := NewGaussianLinear(1, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}

	b := episode.New(2, 1, 1, 1)
	if err := b.Append(0, []float64{1}, []float64{0.5}, 1); err != nil {
		t.Fatal(err)
	}
	if err := b.Append(0, []float64{2}, []float64{-1.0}, 1); err != nil {
		t.Fatal(err)
	}
	adv := b.Advantages.Data().([]float64)
	adv[0] = 2.0
	adv[1] = -1.0

	loss, err := ReinforceLoss(p, b, nil)
	if err != nil {
		t.Fatal(err)
	}

	logp := func(a float64) float64 {
		return -a*a/2 - 0.5*math.Log(2*math.Pi)
	}
	want := -(logp(0.5)*2.0 + logp(-1.0)*-1.0) / 2
	if math.Abs(loss.Value()-want) > 1e-12 {
		t.Errorf("got %v, want %v", loss.Value(), want)
	}
}

func TestCategoricalLinearUniformAtInit(t *testing.T) {
	p, err := NewCategoricalLinear(2, 3)
	if err != nil {
		t.Fatal(err)
	}

	obs := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1, 2},
		tensor.WithBacking([]float64{1, -1}))
	dist, err := p.Forward(obs, nil)
	if err != nil {
		t.Fatal(err)
	}

	probs := dist.(*distribution.Categorical).ProbValuesAt(0, 0)
	for a, prob := range probs {
		if math.Abs(prob-1.0/3) > 1e-12 {
			t.Errorf("action %v: got probability %v, want 1/3", a, prob)
		}
	}
}

func TestSelectActionDims(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	g, err := NewGaussianLinear(3, 2, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	action, err := g.SelectAction([]float64{1, 2, 3}, nil, rng)
	if err != nil {
		t.Fatal(err)
	}
	if len(action) != 2 {
		t.Errorf("gaussian action dims: got %v, want 2", len(action))
	}

	c, err := NewCategoricalLinear(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	action, err = c.SelectAction([]float64{1, 2, 3}, nil, rng)
	if err != nil {
		t.Fatal(err)
	}
	if len(action) != 1 {
		t.Fatalf("categorical action dims: got %v, want 1", len(action))
	}
	if a := action[0]; a < 0 || a > 3 || a != math.Trunc(a) {
		t.Errorf("categorical action: got %v, want an index in [0, 3]", a)
	}
}
