package policy

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/distribution"
)

// CategoricalLinear implements a linear softmax policy over discrete
// actions: logits = W·obs + b. The parameter order is fixed: the rows
// of W, then b.
type CategoricalLinear struct {
	obsDims    int
	numActions int

	params []*autograd.Node
}

// NewCategoricalLinear creates a linear softmax policy with zero
// weights, which is the uniform distribution over actions.
func NewCategoricalLinear(obsDims, numActions int) (*CategoricalLinear,
	error) {
	if obsDims < 1 || numActions < 2 {
		return nil, fmt.Errorf("newCategoricalLinear: need at least 1 "+
			"feature and 2 actions, got (%v, %v)", obsDims, numActions)
	}

	n := numActions*obsDims + numActions
	params := make([]*autograd.Node, n)
	for i := range params {
		params[i] = autograd.NewVar(0)
	}

	return &CategoricalLinear{
		obsDims:    obsDims,
		numActions: numActions,
		params:     params,
	}, nil
}

// Parameters returns the stored parameters in their fixed order
func (c *CategoricalLinear) Parameters() []*autograd.Node { return c.params }

// NumParams returns the total number of parameters
func (c *CategoricalLinear) NumParams() int { return len(c.params) }

// Forward evaluates the policy on a [T, B, obsDims] observations
// tensor, returning a Categorical distribution with logits of shape
// [T, B, numActions].
func (c *CategoricalLinear) Forward(obs *tensor.Dense,
	params []*autograd.Node) (distribution.Distribution, error) {
	if params == nil {
		params = c.params
	}
	if len(params) != c.NumParams() {
		return nil, fmt.Errorf("forward: illegal parameter count "+
			"\n\twant(%v)\n\thave(%v)", c.NumParams(), len(params))
	}
	weights := params[:c.numActions*c.obsDims]
	bias := params[c.numActions*c.obsDims:]

	shape := obs.Shape()
	if len(shape) != 3 || shape[2] != c.obsDims {
		return nil, fmt.Errorf("forward: illegal observations shape "+
			"\n\twant([T, B, %v])\n\thave(%v)", c.obsDims, shape)
	}
	data, ok := obs.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("forward: expected float64 backing, got %T",
			obs.Data())
	}

	rows := shape[0] * shape[1]
	logits := autograd.NewTensor(shape[0], shape[1], c.numActions)
	for i := 0; i < rows; i++ {
		for a := 0; a < c.numActions; a++ {
			node := bias[a]
			for f := 0; f < c.obsDims; f++ {
				node = autograd.Add(node, autograd.Scale(
					weights[a*c.obsDims+f], data[i*c.obsDims+f]))
			}
			logits.Set(i*c.numActions+a, node)
		}
	}

	return distribution.NewCategorical(logits)
}

// UpdateParams performs one functional gradient-descent step
func (c *CategoricalLinear) UpdateParams(loss *autograd.Node,
	params []*autograd.Node, stepSize float64,
	firstOrder bool) ([]*autograd.Node, error) {
	if params == nil {
		params = c.params
	}
	return updateParams(loss, params, stepSize, firstOrder)
}

// SelectAction samples an action index for a single observation. The
// action is returned as a 1-element slice holding the index.
func (c *CategoricalLinear) SelectAction(obs []float64,
	params []*autograd.Node, rng *rand.Rand) ([]float64, error) {
	if len(obs) != c.obsDims {
		return nil, fmt.Errorf("selectAction: illegal obs length "+
			"\n\twant(%v)\n\thave(%v)", c.obsDims, len(obs))
	}

	obsTensor := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1,
		c.obsDims}, tensor.WithBacking(append([]float64{}, obs...)))
	dist, err := c.Forward(obsTensor, params)
	if err != nil {
		return nil, fmt.Errorf("selectAction: %v", err)
	}
	probs := dist.(*distribution.Categorical).ProbValuesAt(0, 0)

	u := rng.Float64()
	cumulative := 0.0
	for a, p := range probs {
		cumulative += p
		if u < cumulative {
			return []float64{float64(a)}, nil
		}
	}
	return []float64{float64(len(probs) - 1)}, nil
}
