// Package episode implements batches of trajectories collected from a
// single task. A batch is time-major: tensors are laid out [T, B] or
// [T, B, D] where T is the horizon, B the number of episodes in the
// batch, and D the observation or action dimensionality. Episodes
// shorter than the horizon are padded and marked invalid in the mask.
package episode

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gorgonia.org/tensor"
)

// Batch holds the trajectories collected for one task. The core
// consumes batches read-only; advantage estimates are computed once,
// after collection, by ComputeReturns and ComputeAdvantages.
type Batch struct {
	horizon     int
	numEpisodes int
	obsDims     int
	actionDims  int

	// Observations has shape [T, B, obsDims]
	Observations *tensor.Dense

	// Actions has shape [T, B, actionDims]
	Actions *tensor.Dense

	// Rewards, Mask, Returns, and Advantages have shape [T, B]. Mask
	// is 1 where a timestep is valid and 0 where it is padding.
	Rewards    *tensor.Dense
	Mask       *tensor.Dense
	Returns    *tensor.Dense
	Advantages *tensor.Dense

	lengths []int
}

// New creates an empty batch for numEpisodes episodes of at most
// horizon timesteps each.
func New(horizon, numEpisodes, obsDims, actionDims int) *Batch {
	shape2 := tensor.Shape{horizon, numEpisodes}

	return &Batch{
		horizon:     horizon,
		numEpisodes: numEpisodes,
		obsDims:     obsDims,
		actionDims:  actionDims,
		Observations: tensor.NewDense(tensor.Float64,
			tensor.Shape{horizon, numEpisodes, obsDims}),
		Actions: tensor.NewDense(tensor.Float64,
			tensor.Shape{horizon, numEpisodes, actionDims}),
		Rewards:    tensor.NewDense(tensor.Float64, shape2),
		Mask:       tensor.NewDense(tensor.Float64, shape2),
		Returns:    tensor.NewDense(tensor.Float64, shape2),
		Advantages: tensor.NewDense(tensor.Float64, shape2),
		lengths:    make([]int, numEpisodes),
	}
}

// Horizon returns the maximum episode length of the batch
func (b *Batch) Horizon() int { return b.horizon }

// NumEpisodes returns the number of episodes in the batch
func (b *Batch) NumEpisodes() int { return b.numEpisodes }

// ObsDims returns the observation dimensionality
func (b *Batch) ObsDims() int { return b.obsDims }

// ActionDims returns the action dimensionality
func (b *Batch) ActionDims() int { return b.actionDims }

// Lengths returns the number of valid timesteps per episode
func (b *Batch) Lengths() []int { return b.lengths }

// Append records one transition for episode i. Transitions must be
// appended in time order.
func (b *Batch) Append(i int, obs, action []float64, reward float64) error {
	if i < 0 || i >= b.numEpisodes {
		return fmt.Errorf("append: episode index out of range: %v", i)
	}
	if len(obs) != b.obsDims {
		return fmt.Errorf("append: illegal obs length \n\twant(%v)"+
			"\n\thave(%v)", b.obsDims, len(obs))
	}
	if len(action) != b.actionDims {
		return fmt.Errorf("append: illegal action length \n\twant(%v)"+
			"\n\thave(%v)", b.actionDims, len(action))
	}
	t := b.lengths[i]
	if t >= b.horizon {
		return fmt.Errorf("append: episode %v already at horizon %v", i,
			b.horizon)
	}

	obsData := b.Observations.Data().([]float64)
	copy(obsData[((t*b.numEpisodes)+i)*b.obsDims:], obs)

	actData := b.Actions.Data().([]float64)
	copy(actData[((t*b.numEpisodes)+i)*b.actionDims:], action)

	b.Rewards.Data().([]float64)[t*b.numEpisodes+i] = reward
	b.Mask.Data().([]float64)[t*b.numEpisodes+i] = 1
	b.lengths[i]++
	return nil
}

// ObservationAt returns the observation for timestep t of episode i
// as a copy.
func (b *Batch) ObservationAt(t, i int) []float64 {
	data := b.Observations.Data().([]float64)
	start := ((t * b.numEpisodes) + i) * b.obsDims
	out := make([]float64, b.obsDims)
	copy(out, data[start:start+b.obsDims])
	return out
}

// MeanReturn returns the mean undiscounted return across the episodes
// of the batch. It is a diagnostic quantity, not used by the
// optimizer.
func (b *Batch) MeanReturn() float64 {
	rewards := b.Rewards.Data().([]float64)
	total := floats.Sum(rewards)
	return total / float64(b.numEpisodes)
}
