// Package solver implements the numeric linear algebra used by
// trust-region policy updates.
package solver

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// residualTolerance is the squared-residual threshold below which
// conjugate gradient stops early. The iteration budget is the primary
// stopping criterion; this guard only prevents a division by a
// vanishing residual.
const residualTolerance float64 = 1e-10

// MatVec is a matrix-free linear operator: it maps a vector to the
// product of an implicit matrix with that vector.
type MatVec func(v *mat.VecDense) (*mat.VecDense, error)

// ConjugateGradient approximately solves A x = b for a symmetric
// positive-definite operator A given only as a matrix-vector product,
// running at most iters iterations. The input vectors are not
// modified.
func ConjugateGradient(a MatVec, b *mat.VecDense, iters int) (*mat.VecDense,
	error) {
	if iters <= 0 {
		return nil, fmt.Errorf("conjugateGradient: iters must be positive, "+
			"got %v", iters)
	}

	n := b.Len()
	x := mat.NewVecDense(n, nil)
	r := mat.NewVecDense(n, nil)
	r.CopyVec(b)
	p := mat.NewVecDense(n, nil)
	p.CopyVec(b)

	rdotr := mat.Dot(r, r)

	for i := 0; i < iters; i++ {
		if rdotr < residualTolerance {
			break
		}

		ap, err := a(p)
		if err != nil {
			return nil, fmt.Errorf("conjugateGradient: iteration %v: %v", i,
				err)
		}
		if ap.Len() != n {
			return nil, fmt.Errorf("conjugateGradient: operator returned "+
				"length %v, expected %v", ap.Len(), n)
		}

		alpha := rdotr / mat.Dot(p, ap)
		x.AddScaledVec(x, alpha, p)
		r.AddScaledVec(r, -alpha, ap)

		newRdotr := mat.Dot(r, r)
		beta := newRdotr / rdotr
		p.AddScaledVec(r, beta, p)
		rdotr = newRdotr
	}

	return x, nil
}
