package distribution

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
)

const halfLogTwoPi float64 = 0.9189385332046727 // 0.5 * ln(2π)

// Normal is a diagonal Gaussian over continuous actions. The mean is
// state-dependent with shape [T, B, A]; the log standard deviation is
// state-independent with one entry per action dimension, as in linear
// Gaussian policies.
type Normal struct {
	mean   *autograd.Tensor
	logStd []*autograd.Node
	std    []*autograd.Node
}

// NewNormal creates a Normal distribution from a rank-3 mean tensor
// and per-action-dimension log standard deviations.
func NewNormal(mean *autograd.Tensor, logStd []*autograd.Node) (*Normal,
	error) {
	if mean.Dims() != 3 {
		return nil, fmt.Errorf("newNormal: mean must have rank 3, got rank "+
			"%v", mean.Dims())
	}
	if mean.Shape()[2] != len(logStd) {
		return nil, fmt.Errorf("newNormal: illegal logStd length "+
			"\n\twant(%v)\n\thave(%v)", mean.Shape()[2], len(logStd))
	}

	std := make([]*autograd.Node, len(logStd))
	for i, ls := range logStd {
		std[i] = autograd.Exp(ls)
	}
	return &Normal{mean: mean, logStd: logStd, std: std}, nil
}

// Mean returns the mean tensor of the distribution
func (n *Normal) Mean() *autograd.Tensor { return n.mean }

// LogProb returns the per-action-dimension log-probability of the
// given actions, shape [T, B, A].
func (n *Normal) LogProb(actions *tensor.Dense) (*autograd.Tensor, error) {
	shape := actions.Shape()
	meanShape := n.mean.Shape()
	if len(shape) != 3 || shape[0] != meanShape[0] ||
		shape[1] != meanShape[1] || shape[2] != meanShape[2] {
		return nil, fmt.Errorf("logProb: illegal actions shape "+
			"\n\twant(%v)\n\thave(%v)", meanShape, shape)
	}

	data, ok := actions.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("logProb: expected float64 backing, got %T",
			actions.Data())
	}

	dims := meanShape[2]
	out := autograd.NewTensor(meanShape...)
	for i := 0; i < n.mean.Len(); i++ {
		a := i % dims

		// -(x-μ)²/(2σ²) - logσ - ½ln(2π)
		diff := autograd.Sub(autograd.Const(data[i]), n.mean.At(i))
		quad := autograd.Div(autograd.Square(diff),
			autograd.Scale(autograd.Square(n.std[a]), 2))
		logp := autograd.Neg(autograd.AddConst(
			autograd.Add(quad, n.logStd[a]), halfLogTwoPi))
		out.Set(i, logp)
	}
	return out, nil
}

// KL returns the pointwise KL divergence from n to other, shape
// [T, B, A]. The other distribution must be a Normal of equal shape.
func (n *Normal) KL(other Distribution) (*autograd.Tensor, error) {
	o, ok := other.(*Normal)
	if !ok {
		return nil, fmt.Errorf("kl: cannot compute KL between *Normal "+
			"and %T", other)
	}

	pShape, qShape := n.mean.Shape(), o.mean.Shape()
	if pShape[0] != qShape[0] || pShape[1] != qShape[1] ||
		pShape[2] != qShape[2] {
		return nil, fmt.Errorf("kl: illegal distribution shape "+
			"\n\twant(%v)\n\thave(%v)", pShape, qShape)
	}

	dims := pShape[2]
	out := autograd.NewTensor(pShape...)
	for i := 0; i < n.mean.Len(); i++ {
		a := i % dims

		// logσq - logσp + (σp² + (μp-μq)²)/(2σq²) - ½
		diff := autograd.Sub(n.mean.At(i), o.mean.At(i))
		num := autograd.Add(autograd.Square(n.std[a]),
			autograd.Square(diff))
		frac := autograd.Div(num, autograd.Scale(
			autograd.Square(o.std[a]), 2))
		kl := autograd.Add(autograd.Sub(o.logStd[a], n.logStd[a]), frac)
		out.Set(i, autograd.AddConst(kl, -0.5))
	}
	return out, nil
}

// Entropy returns the pointwise entropy, shape [T, B, A]
func (n *Normal) Entropy() *autograd.Tensor {
	shape := n.mean.Shape()
	dims := shape[2]
	out := autograd.NewTensor(shape...)
	for i := 0; i < n.mean.Len(); i++ {
		a := i % dims
		out.Set(i, autograd.AddConst(n.logStd[a], 0.5+halfLogTwoPi))
	}
	return out
}

// Detach returns a frozen copy of the distribution
func (n *Normal) Detach() Distribution {
	logStd := make([]*autograd.Node, len(n.logStd))
	for i, ls := range n.logStd {
		logStd[i] = ls.Detach()
	}
	detached, err := NewNormal(n.mean.Detach(), logStd)
	if err != nil {
		// The source distribution was already validated
		panic(fmt.Sprintf("detach: %v", err))
	}
	return detached
}

// StdValues returns the current standard deviations as floats, for
// action sampling outside the computation graph.
func (n *Normal) StdValues() []float64 {
	out := make([]float64, len(n.std))
	for i, s := range n.std {
		out[i] = s.Value()
	}
	return out
}

// MeanValueAt returns the mean action for timestep t, episode b as
// floats, for action sampling outside the computation graph.
func (n *Normal) MeanValueAt(t, b int) []float64 {
	shape := n.mean.Shape()
	dims := shape[2]
	out := make([]float64, dims)
	for a := 0; a < dims; a++ {
		out[a] = n.mean.At(((t*shape[1])+b)*dims + a).Value()
	}
	return out
}
