package episode

import (
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

// This is a masked, batched form of the GAE(λ) calculation following
// https://arxiv.org/abs/1506.02438.

// ComputeReturns fills Returns with the discounted rewards-to-go of
// each episode:
//
//	G_t = r_t + ℽ r_(t+1) + ℽ^2 r_(t+2) + ...
//
// Padding timesteps keep a return of 0.
func (b *Batch) ComputeReturns(gamma float64) {
	rewards := b.Rewards.Data().([]float64)
	returns := b.Returns.Data().([]float64)

	for i := 0; i < b.numEpisodes; i++ {
		running := 0.0
		for t := b.lengths[i] - 1; t >= 0; t-- {
			idx := t*b.numEpisodes + i
			running = rewards[idx] + gamma*running
			returns[idx] = running
		}
	}
}

// ComputeAdvantages fills Advantages with GAE(λ) estimates computed
// from the given per-timestep state values. The values tensor must
// have shape [T, B]; values at and beyond each episode's end are
// treated as 0 (episodes terminate rather than being cut off). With
// normalize set, advantages are standardized to mean 0 and standard
// deviation 1 over the valid timesteps.
func (b *Batch) ComputeAdvantages(values *tensor.Dense, gamma, tau float64,
	normalize bool) error {
	shape := values.Shape()
	if len(shape) != 2 || shape[0] != b.horizon || shape[1] != b.numEpisodes {
		return fmt.Errorf("computeAdvantages: illegal values shape "+
			"\n\twant(%v)\n\thave(%v)", tensor.Shape{b.horizon,
			b.numEpisodes}, shape)
	}

	rewards := b.Rewards.Data().([]float64)
	vals := values.Data().([]float64)
	adv := b.Advantages.Data().([]float64)

	for i := 0; i < b.numEpisodes; i++ {
		running := 0.0
		for t := b.lengths[i] - 1; t >= 0; t-- {
			idx := t*b.numEpisodes + i

			nextVal := 0.0
			if t+1 < b.lengths[i] {
				nextVal = vals[(t+1)*b.numEpisodes+i]
			}
			delta := rewards[idx] + gamma*nextVal - vals[idx]

			running = delta + gamma*tau*running
			adv[idx] = running
		}
	}

	if normalize {
		b.normalizeAdvantages()
	}
	return nil
}

// normalizeAdvantages standardizes the advantage estimates over the
// valid timesteps of the batch.
func (b *Batch) normalizeAdvantages() {
	mask := b.Mask.Data().([]float64)
	adv := b.Advantages.Data().([]float64)

	count := 0.0
	sum := 0.0
	for i, m := range mask {
		if m != 0 {
			sum += adv[i]
			count++
		}
	}
	if count == 0 {
		return
	}
	mean := sum / count

	sqDev := 0.0
	for i, m := range mask {
		if m != 0 {
			dev := adv[i] - mean
			sqDev += dev * dev
		}
	}
	std := math.Sqrt(sqDev/count) + 1e-8

	for i, m := range mask {
		if m != 0 {
			adv[i] = (adv[i] - mean) / std
		} else {
			adv[i] = 0
		}
	}
}
