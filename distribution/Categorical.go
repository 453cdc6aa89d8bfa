package distribution

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
)

// Categorical is a batch of softmax distributions over discrete
// actions, parameterized by unnormalized logits of shape [T, B, K]
// where K is the number of actions.
type Categorical struct {
	logits *autograd.Tensor

	// logProbs caches the normalized log-probabilities
	logProbs *autograd.Tensor
}

// NewCategorical creates a Categorical distribution from a rank-3
// logits tensor.
func NewCategorical(logits *autograd.Tensor) (*Categorical, error) {
	if logits.Dims() != 3 {
		return nil, fmt.Errorf("newCategorical: logits must have rank 3, "+
			"got rank %v", logits.Dims())
	}
	return &Categorical{logits: logits, logProbs: logSoftmax(logits)}, nil
}

// logSoftmax normalizes logits into log-probabilities along the
// trailing axis. The max-shift keeps the exponentials stable; the
// shift constant does not affect gradients since it cancels in the
// normalized result.
func logSoftmax(logits *autograd.Tensor) *autograd.Tensor {
	shape := logits.Shape()
	rows, cols, k := shape[0], shape[1], shape[2]

	out := autograd.NewTensor(shape...)
	for i := 0; i < rows*cols; i++ {
		max := math.Inf(-1)
		for a := 0; a < k; a++ {
			if v := logits.At(i*k + a).Value(); v > max {
				max = v
			}
		}

		sum := autograd.Const(0)
		for a := 0; a < k; a++ {
			sum = autograd.Add(sum, autograd.Exp(autograd.AddConst(
				logits.At(i*k+a), -max)))
		}
		lse := autograd.AddConst(autograd.Log(sum), max)

		for a := 0; a < k; a++ {
			out.Set(i*k+a, autograd.Sub(logits.At(i*k+a), lse))
		}
	}
	return out
}

// LogProb returns the log-probability of each taken action, shape
// [T, B]. The actions tensor holds action indices and must have shape
// [T, B, 1] or [T, B].
func (c *Categorical) LogProb(actions *tensor.Dense) (*autograd.Tensor,
	error) {
	shape := c.logits.Shape()
	rows, cols, k := shape[0], shape[1], shape[2]

	aShape := actions.Shape()
	legal := (len(aShape) == 2 && aShape[0] == rows && aShape[1] == cols) ||
		(len(aShape) == 3 && aShape[0] == rows && aShape[1] == cols &&
			aShape[2] == 1)
	if !legal {
		return nil, fmt.Errorf("logProb: illegal actions shape "+
			"\n\twant(%v)\n\thave(%v)", tensor.Shape{rows, cols, 1}, aShape)
	}

	data, ok := actions.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("logProb: expected float64 backing, got %T",
			actions.Data())
	}

	out := autograd.NewTensor(rows, cols)
	for i := 0; i < rows*cols; i++ {
		a := int(data[i])
		if a < 0 || a >= k {
			return nil, fmt.Errorf("logProb: action index out of range: %v",
				a)
		}
		out.Set(i, c.logProbs.At(i*k+a))
	}
	return out, nil
}

// KL returns the pointwise KL divergence from c to other, shape
// [T, B].
func (c *Categorical) KL(other Distribution) (*autograd.Tensor, error) {
	o, ok := other.(*Categorical)
	if !ok {
		return nil, fmt.Errorf("kl: cannot compute KL between *Categorical "+
			"and %T", other)
	}

	pShape, qShape := c.logits.Shape(), o.logits.Shape()
	if pShape[0] != qShape[0] || pShape[1] != qShape[1] ||
		pShape[2] != qShape[2] {
		return nil, fmt.Errorf("kl: illegal distribution shape "+
			"\n\twant(%v)\n\thave(%v)", pShape, qShape)
	}

	rows, cols, k := pShape[0], pShape[1], pShape[2]
	out := autograd.NewTensor(rows, cols)
	for i := 0; i < rows*cols; i++ {
		kl := autograd.Const(0)
		for a := 0; a < k; a++ {
			logp := c.logProbs.At(i*k + a)
			logq := o.logProbs.At(i*k + a)
			kl = autograd.Add(kl, autograd.Mul(autograd.Exp(logp),
				autograd.Sub(logp, logq)))
		}
		out.Set(i, kl)
	}
	return out, nil
}

// Entropy returns the pointwise entropy, shape [T, B]
func (c *Categorical) Entropy() *autograd.Tensor {
	shape := c.logits.Shape()
	rows, cols, k := shape[0], shape[1], shape[2]

	out := autograd.NewTensor(rows, cols)
	for i := 0; i < rows*cols; i++ {
		h := autograd.Const(0)
		for a := 0; a < k; a++ {
			logp := c.logProbs.At(i*k + a)
			h = autograd.Sub(h, autograd.Mul(autograd.Exp(logp), logp))
		}
		out.Set(i, h)
	}
	return out
}

// Detach returns a frozen copy of the distribution
func (c *Categorical) Detach() Distribution {
	detached, err := NewCategorical(c.logits.Detach())
	if err != nil {
		panic(fmt.Sprintf("detach: %v", err))
	}
	return detached
}

// ProbValuesAt returns the probabilities for timestep t, episode b as
// floats, for action sampling outside the computation graph.
func (c *Categorical) ProbValuesAt(t, b int) []float64 {
	shape := c.logits.Shape()
	k := shape[2]
	out := make([]float64, k)
	for a := 0; a < k; a++ {
		out[a] = math.Exp(c.logProbs.At(((t*shape[1])+b)*k + a).Value())
	}
	return out
}
