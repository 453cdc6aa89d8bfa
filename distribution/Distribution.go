// Package distribution implements parametric action distributions
// whose log-probabilities remain differentiable with respect to the
// policy parameters that produced them. A distribution is the value a
// policy returns when evaluated on a batch of observations.
package distribution

import (
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
)

// Distribution is a batch of per-timestep action distributions. For
// continuous actions the log-probability tensor has rank 3 [T, B, A]
// with one entry per action dimension; for discrete actions it has
// rank 2 [T, B].
type Distribution interface {
	// LogProb returns the log-probability of each action in the
	// time-major actions tensor
	LogProb(actions *tensor.Dense) (*autograd.Tensor, error)

	// KL returns the pointwise KL divergence KL(d ‖ other). Both
	// distributions must have the same type and shape.
	KL(other Distribution) (*autograd.Tensor, error)

	// Entropy returns the pointwise entropy of the distribution
	Entropy() *autograd.Tensor

	// Detach returns a frozen copy through which no gradient flows.
	// A detached copy is the reference ("old") distribution for
	// importance ratios and trust-region KL terms.
	Detach() Distribution
}
