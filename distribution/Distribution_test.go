package distribution

import (
	"math"
	"testing"

	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
)

func normalFixture(t *testing.T, means []float64,
	logStd []float64) *Normal {
	t.Helper()

	dims := len(logStd)
	mean := autograd.NewTensor(len(means)/dims, 1, dims)
	for i, m := range means {
		mean.Set(i, autograd.NewVar(m))
	}
	ls := make([]*autograd.Node, dims)
	for i, v := range logStd {
		ls[i] = autograd.NewVar(v)
	}

	n, err := NewNormal(mean, ls)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNormalLogProb(t *testing.T) {
	n := normalFixture(t, []float64{0.5}, []float64{math.Log(2.0)})

	actions := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1, 1},
		tensor.WithBacking([]float64{1.5}))
	logp, err := n.LogProb(actions)
	if err != nil {
		t.Fatal(err)
	}

	// N(0.5, 2): logp(1.5) = -(1)²/(2·4) - ln 2 - ½ln 2π
	want := -1.0/8 - math.Log(2.0) - 0.5*math.Log(2*math.Pi)
	if math.Abs(logp.At(0).Value()-want) > 1e-12 {
		t.Errorf("got %v, want %v", logp.At(0).Value(), want)
	}
}

func TestNormalKLSelfIsZero(t *testing.T) {
	n := normalFixture(t, []float64{0.3, -1.0}, []float64{0.1, 0.2})

	kl, err := n.KL(n.Detach())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < kl.Len(); i++ {
		if math.Abs(kl.At(i).Value()) > 1e-12 {
			t.Errorf("KL(p ‖ p)[%v]: got %v, want 0", i, kl.At(i).Value())
		}
	}
}

func TestNormalKLClosedForm(t *testing.T) {
	p := normalFixture(t, []float64{1.0}, []float64{0.0})
	q := normalFixture(t, []float64{0.0}, []float64{math.Log(2.0)})

	kl, err := p.KL(q)
	if err != nil {
		t.Fatal(err)
	}

	// KL(N(1,1) ‖ N(0,2)) = ln 2 + (1 + 1)/(2·4) - ½
	want := math.Log(2.0) + 2.0/8 - 0.5
	if math.Abs(kl.At(0).Value()-want) > 1e-12 {
		t.Errorf("got %v, want %v", kl.At(0).Value(), want)
	}
}

func TestNormalDetachBlocksGradient(t *testing.T) {
	n := normalFixture(t, []float64{0.5}, []float64{0.0})
	meanVar := n.Mean().At(0)

	detached := n.Detach().(*Normal)
	kl, err := n.KL(detached)
	if err != nil {
		t.Fatal(err)
	}

	// Gradient of KL(p ‖ stop_grad(p)) with respect to the mean is 0
	// at the point where p == old p.
	grads := autograd.Grad(kl.At(0), []*autograd.Node{meanVar})
	if math.Abs(grads[0].Value()) > 1e-12 {
		t.Errorf("KL gradient at identical distributions: got %v, want 0",
			grads[0].Value())
	}

	// But the second derivative (the Fisher curvature) is positive
	second := autograd.Grad(grads[0], []*autograd.Node{meanVar})
	if second[0].Value() <= 0 {
		t.Errorf("KL curvature: got %v, want > 0", second[0].Value())
	}
}

func TestNormalEntropy(t *testing.T) {
	n := normalFixture(t, []float64{0.0}, []float64{math.Log(3.0)})
	want := 0.5 + 0.5*math.Log(2*math.Pi) + math.Log(3.0)
	got := n.Entropy().At(0).Value()
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func categoricalFixture(t *testing.T, logits []float64,
	k int) *Categorical {
	t.Helper()

	lt := autograd.NewTensor(len(logits)/k, 1, k)
	for i, v := range logits {
		lt.Set(i, autograd.NewVar(v))
	}
	c, err := NewCategorical(lt)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCategoricalLogProbNormalized(t *testing.T) {
	c := categoricalFixture(t, []float64{1.0, 2.0, 3.0}, 3)

	total := 0.0
	for a := 0; a < 3; a++ {
		actions := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1, 1},
			tensor.WithBacking([]float64{float64(a)}))
		logp, err := c.LogProb(actions)
		if err != nil {
			t.Fatal(err)
		}
		total += math.Exp(logp.At(0).Value())
	}
	if math.Abs(total-1.0) > 1e-12 {
		t.Errorf("probabilities sum to %v, want 1", total)
	}
}

func TestCategoricalKLSelfIsZero(t *testing.T) {
	c := categoricalFixture(t, []float64{0.5, -0.5, 2.0}, 3)
	kl, err := c.KL(c.Detach())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(kl.At(0).Value()) > 1e-12 {
		t.Errorf("KL(p ‖ p): got %v, want 0", kl.At(0).Value())
	}
}

func TestCategoricalRejectsBadAction(t *testing.T) {
	c := categoricalFixture(t, []float64{0.0, 0.0}, 2)
	actions := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1, 1},
		tensor.WithBacking([]float64{5}))
	if _, err := c.LogProb(actions); err == nil {
		t.Error("expected error for out-of-range action index")
	}
}

func TestKLTypeMismatch(t *testing.T) {
	n := normalFixture(t, []float64{0.0}, []float64{0.0})
	c := categoricalFixture(t, []float64{0.0, 0.0}, 2)
	if _, err := n.KL(c); err == nil {
		t.Error("expected error for mismatched distribution types")
	}
	if _, err := c.KL(n); err == nil {
		t.Error("expected error for mismatched distribution types")
	}
}
