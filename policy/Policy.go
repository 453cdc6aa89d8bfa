// Package policy implements parametric policies as pure functions of
// an explicit parameter slice. A policy owns its stored parameters but
// can be evaluated at any compatible parameter override without
// mutating them, which is what lets task-adapted parameters coexist
// with the shared meta-parameters during a meta-update.
package policy

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/distribution"
	"github.com/samuelfneumann/gomaml/episode"
)

// Policy is a parametric action distribution conditioned on
// observations and a parameter vector.
type Policy interface {
	// Forward evaluates the policy on a time-major observations
	// tensor [T, B, F]. A nil params slice means "use the stored
	// parameters"; a non-nil slice overrides them without mutation.
	Forward(obs *tensor.Dense,
		params []*autograd.Node) (distribution.Distribution, error)

	// Parameters returns the stored parameters as an ordered, stable
	// slice of graph leaves. The order is fixed for the lifetime of
	// the policy.
	Parameters() []*autograd.Node

	// NumParams returns the total number of parameters
	NumParams() int

	// UpdateParams performs one functional gradient-descent step on
	// the given loss, returning new parameters without touching the
	// stored ones. With firstOrder set, the step gradient is detached
	// so that no second-order terms flow through it.
	UpdateParams(loss *autograd.Node, params []*autograd.Node,
		stepSize float64, firstOrder bool) ([]*autograd.Node, error)

	// SelectAction samples an action for a single observation from
	// the policy evaluated at params (nil for stored parameters).
	SelectAction(obs []float64, params []*autograd.Node,
		rng *rand.Rand) ([]float64, error)
}

// updateParams is the shared functional gradient-descent step:
//
//	new = params - stepSize * ∇loss
//
// The subtraction keeps the new parameters connected to the old ones
// in the graph, so even a first-order step remains differentiable as
// an identity with respect to the base parameters.
func updateParams(loss *autograd.Node, params []*autograd.Node,
	stepSize float64, firstOrder bool) ([]*autograd.Node, error) {
	if loss == nil {
		return nil, fmt.Errorf("updateParams: nil loss")
	}

	grads := autograd.Grad(loss, params)
	newParams := make([]*autograd.Node, len(params))
	for i, g := range grads {
		if firstOrder {
			g = g.Detach()
		}
		newParams[i] = autograd.Sub(params[i], autograd.Scale(g, stepSize))
	}
	return newParams, nil
}

// ReinforceLoss computes the inner-loop policy-gradient loss of a
// policy over an episode batch:
//
//	-E[ log π(a|s) * advantage ]
//
// with the expectation taken as a mask-weighted mean over time and an
// arithmetic mean over episodes. Evaluating it at already-adapted
// parameters keeps the full adaptation chain differentiable.
func ReinforceLoss(p Policy, b *episode.Batch,
	params []*autograd.Node) (*autograd.Node, error) {
	pi, err := p.Forward(b.Observations, params)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}

	logProbs, err := pi.LogProb(b.Actions)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}
	if logProbs.Dims() > 2 {
		logProbs, err = logProbs.SumLast()
		if err != nil {
			return nil, fmt.Errorf("reinforceLoss: %v", err)
		}
	}

	advantages, err := autograd.FromDense(b.Advantages)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}
	mask, err := autograd.FromDense(b.Mask)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}

	weighted, err := logProbs.Mul(advantages)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}
	mean, err := autograd.WeightedMean(weighted, mask)
	if err != nil {
		return nil, fmt.Errorf("reinforceLoss: %v", err)
	}
	return autograd.Neg(mean), nil
}
