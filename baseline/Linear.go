// Package baseline implements state-value baselines used to reduce
// the variance of policy-gradient advantage estimates.
package baseline

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/episode"
)

// fitAttempts bounds the regularization escalation when the normal
// equations are ill conditioned.
const fitAttempts int = 5

// Linear is a linear feature baseline fit to the discounted returns
// of a batch by regularized least squares. The features are the
// observation, its square, and a cubic polynomial in the normalized
// timestep, following the standard feature set for linear baselines
// in policy-gradient methods.
type Linear struct {
	regCoeff float64
	coef     *mat.VecDense
}

// NewLinear creates a linear baseline with the given initial
// regularization coefficient.
func NewLinear(regCoeff float64) *Linear {
	if regCoeff <= 0 {
		regCoeff = 1e-5
	}
	return &Linear{regCoeff: regCoeff}
}

// featureDims returns the baseline feature dimensionality for
// observations of size obsDims.
func featureDims(obsDims int) int {
	return 2*obsDims + 4
}

// featuresAt fills dst with the feature vector for timestep t of
// episode i.
func featuresAt(b *episode.Batch, t, i int, dst []float64) {
	obs := b.Observations.Data().([]float64)
	obsDims := b.ObsDims()
	start := ((t * b.NumEpisodes()) + i) * obsDims

	for f := 0; f < obsDims; f++ {
		v := obs[start+f]
		dst[f] = v
		dst[obsDims+f] = v * v
	}
	step := float64(t) / 100.0
	dst[2*obsDims] = step
	dst[2*obsDims+1] = step * step
	dst[2*obsDims+2] = step * step * step
	dst[2*obsDims+3] = 1
}

// Fit fits the baseline coefficients to the returns of the batch by
// solving the regularized normal equations over the valid timesteps.
// The regularization coefficient is escalated when the system is too
// ill conditioned to solve.
//
// ComputeReturns must have been called on the batch first.
func (l *Linear) Fit(b *episode.Batch) error {
	dims := featureDims(b.ObsDims())
	mask := b.Mask.Data().([]float64)
	returns := b.Returns.Data().([]float64)

	valid := 0
	for _, m := range mask {
		if m != 0 {
			valid++
		}
	}
	if valid == 0 {
		return fmt.Errorf("fit: batch has no valid timesteps")
	}

	features := mat.NewDense(valid, dims, nil)
	targets := mat.NewVecDense(valid, nil)
	row := 0
	buf := make([]float64, dims)
	for t := 0; t < b.Horizon(); t++ {
		for i := 0; i < b.NumEpisodes(); i++ {
			if mask[t*b.NumEpisodes()+i] == 0 {
				continue
			}
			featuresAt(b, t, i, buf)
			features.SetRow(row, buf)
			targets.SetVec(row, returns[t*b.NumEpisodes()+i])
			row++
		}
	}

	// Normal equations: (XᵀX + λI) coef = Xᵀy
	gram := mat.NewDense(dims, dims, nil)
	gram.Mul(features.T(), features)
	rhs := mat.NewVecDense(dims, nil)
	rhs.MulVec(features.T(), targets)

	reg := l.regCoeff
	for attempt := 0; attempt < fitAttempts; attempt++ {
		regularized := mat.NewDense(dims, dims, nil)
		regularized.Copy(gram)
		for d := 0; d < dims; d++ {
			regularized.Set(d, d, regularized.At(d, d)+reg)
		}

		var coef mat.VecDense
		if err := coef.SolveVec(regularized, rhs); err == nil {
			l.coef = &coef
			return nil
		}
		reg *= 10
	}
	return fmt.Errorf("fit: could not solve normal equations after %v "+
		"regularization escalations", fitAttempts)
}

// Values returns the baseline value of every timestep of the batch as
// a [T, B] tensor. An unfitted baseline predicts 0 everywhere.
func (l *Linear) Values(b *episode.Batch) (*tensor.Dense, error) {
	out := tensor.NewDense(tensor.Float64, tensor.Shape{b.Horizon(),
		b.NumEpisodes()})
	if l.coef == nil {
		return out, nil
	}

	dims := featureDims(b.ObsDims())
	if l.coef.Len() != dims {
		return nil, fmt.Errorf("values: baseline fit to %v features, "+
			"batch needs %v", l.coef.Len(), dims)
	}

	data := out.Data().([]float64)
	mask := b.Mask.Data().([]float64)
	buf := make([]float64, dims)
	for t := 0; t < b.Horizon(); t++ {
		for i := 0; i < b.NumEpisodes(); i++ {
			idx := t*b.NumEpisodes() + i
			if mask[idx] == 0 {
				continue
			}
			featuresAt(b, t, i, buf)
			data[idx] = mat.Dot(l.coef, mat.NewVecDense(dims, buf))
		}
	}
	return out, nil
}
