package policy

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/distribution"
)

// GaussianLinear implements a linear Gaussian policy over continuous
// actions. The mean is a linear function of the observation,
// mean = W·obs + b, and the standard deviation is a learned,
// state-independent parameter per action dimension.
//
// The parameter order is fixed: the rows of W, then b, then the log
// standard deviations.
type GaussianLinear struct {
	obsDims    int
	actionDims int

	// params holds W (actionDims × obsDims, row-major), then the
	// bias, then logStd
	params []*autograd.Node
}

// NewGaussianLinear creates a linear Gaussian policy with zero weights
// and an initial standard deviation of initStd on every action
// dimension.
func NewGaussianLinear(obsDims, actionDims int,
	initStd float64) (*GaussianLinear, error) {
	if obsDims < 1 || actionDims < 1 {
		return nil, fmt.Errorf("newGaussianLinear: dimensions must be "+
			"positive, got (%v, %v)", obsDims, actionDims)
	}
	if initStd <= 0 {
		return nil, fmt.Errorf("newGaussianLinear: initStd must be "+
			"positive, got %v", initStd)
	}

	n := actionDims*obsDims + 2*actionDims
	params := make([]*autograd.Node, n)
	for i := 0; i < actionDims*obsDims+actionDims; i++ {
		params[i] = autograd.NewVar(0)
	}
	logStd := math.Log(initStd)
	for i := actionDims*obsDims + actionDims; i < n; i++ {
		params[i] = autograd.NewVar(logStd)
	}

	return &GaussianLinear{
		obsDims:    obsDims,
		actionDims: actionDims,
		params:     params,
	}, nil
}

// Parameters returns the stored parameters in their fixed order
func (g *GaussianLinear) Parameters() []*autograd.Node { return g.params }

// NumParams returns the total number of parameters
func (g *GaussianLinear) NumParams() int { return len(g.params) }

// split carves a flat parameter slice into weights, bias and logStd
func (g *GaussianLinear) split(params []*autograd.Node) (weights, bias,
	logStd []*autograd.Node, err error) {
	if params == nil {
		params = g.params
	}
	if len(params) != g.NumParams() {
		return nil, nil, nil, fmt.Errorf("illegal parameter count "+
			"\n\twant(%v)\n\thave(%v)", g.NumParams(), len(params))
	}
	wEnd := g.actionDims * g.obsDims
	bEnd := wEnd + g.actionDims
	return params[:wEnd], params[wEnd:bEnd], params[bEnd:], nil
}

// Forward evaluates the policy on a [T, B, obsDims] observations
// tensor, returning a Normal distribution with mean shape
// [T, B, actionDims].
func (g *GaussianLinear) Forward(obs *tensor.Dense,
	params []*autograd.Node) (distribution.Distribution, error) {
	weights, bias, logStd, err := g.split(params)
	if err != nil {
		return nil, fmt.Errorf("forward: %v", err)
	}

	shape := obs.Shape()
	if len(shape) != 3 || shape[2] != g.obsDims {
		return nil, fmt.Errorf("forward: illegal observations shape "+
			"\n\twant([T, B, %v])\n\thave(%v)", g.obsDims, shape)
	}
	data, ok := obs.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("forward: expected float64 backing, got %T",
			obs.Data())
	}

	rows := shape[0] * shape[1]
	mean := autograd.NewTensor(shape[0], shape[1], g.actionDims)
	for i := 0; i < rows; i++ {
		for a := 0; a < g.actionDims; a++ {
			node := bias[a]
			for f := 0; f < g.obsDims; f++ {
				node = autograd.Add(node, autograd.Scale(
					weights[a*g.obsDims+f], data[i*g.obsDims+f]))
			}
			mean.Set(i*g.actionDims+a, node)
		}
	}

	return distribution.NewNormal(mean, logStd)
}

// UpdateParams performs one functional gradient-descent step
func (g *GaussianLinear) UpdateParams(loss *autograd.Node,
	params []*autograd.Node, stepSize float64,
	firstOrder bool) ([]*autograd.Node, error) {
	if params == nil {
		params = g.params
	}
	return updateParams(loss, params, stepSize, firstOrder)
}

// SelectAction samples an action for a single observation
func (g *GaussianLinear) SelectAction(obs []float64,
	params []*autograd.Node, rng *rand.Rand) ([]float64, error) {
	if len(obs) != g.obsDims {
		return nil, fmt.Errorf("selectAction: illegal obs length "+
			"\n\twant(%v)\n\thave(%v)", g.obsDims, len(obs))
	}

	obsTensor := tensor.NewDense(tensor.Float64, tensor.Shape{1, 1,
		g.obsDims}, tensor.WithBacking(append([]float64{}, obs...)))
	dist, err := g.Forward(obsTensor, params)
	if err != nil {
		return nil, fmt.Errorf("selectAction: %v", err)
	}
	normal := dist.(*distribution.Normal)

	mean := normal.MeanValueAt(0, 0)
	std := normal.StdValues()

	action := make([]float64, g.actionDims)
	for a := 0; a < g.actionDims; a++ {
		sampler := distuv.Normal{Mu: mean[a], Sigma: std[a], Src: rng}
		action[a] = sampler.Rand()
	}
	return action, nil
}
