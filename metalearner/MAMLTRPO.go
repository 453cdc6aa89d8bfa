// Package metalearner implements gradient-based meta-learning of
// policy parameters across a distribution of tasks. The outer loop is
// a trust-region natural-gradient update on the post-adaptation
// surrogate loss, with the step direction obtained by conjugate
// gradient against a KL Hessian-vector-product oracle and the step
// size chosen by a backtracking line search.
package metalearner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/distribution"
	"github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/episode"
	"github.com/samuelfneumann/gomaml/policy"
	"github.com/samuelfneumann/gomaml/sampler"
	"github.com/samuelfneumann/gomaml/solver"
)

// ErrNumericalInstability reports that the trust-region step could not
// be scaled because the quadratic form of the step direction was
// non-positive or non-finite. The policy parameters are left unchanged
// when it is returned.
var ErrNumericalInstability = errors.New("metalearner: numerical " +
	"instability in trust-region step")

// IsNumericalInstability returns whether an error reports a
// numerically unusable trust-region step.
func IsNumericalInstability(err error) bool {
	return errors.Is(err, ErrNumericalInstability)
}

// Sampler produces train and validation episode futures for a batch of
// tasks. JoinConsumerThreads blocks until all outstanding sampling
// work has drained, so that the policy parameters can be mutated
// safely.
type Sampler interface {
	SampleAsync(tasks []environment.Task) ([]*sampler.Future,
		[]*sampler.Future, error)
	JoinConsumerThreads()
}

// StepConfig holds the hyperparameters of one trust-region meta-update
type StepConfig struct {
	// MaxKL bounds the mean KL divergence between the post-update and
	// pre-update adapted policies
	MaxKL float64

	// CGIters is the number of conjugate-gradient iterations used to
	// invert the KL Hessian
	CGIters int

	// CGDamping is the Tikhonov damping added to every Hessian-vector
	// product
	CGDamping float64

	// LSMaxSteps and LSBacktrackRatio control the backtracking line
	// search over step sizes
	LSMaxSteps       int
	LSBacktrackRatio float64
}

// DefaultStepConfig returns the standard trust-region hyperparameters
func DefaultStepConfig() StepConfig {
	return StepConfig{
		MaxKL:            1.0e-3,
		CGIters:          10,
		CGDamping:        1.0e-2,
		LSMaxSteps:       10,
		LSBacktrackRatio: 0.5,
	}
}

// validate checks a StepConfig
func (c StepConfig) validate() error {
	if c.MaxKL <= 0 {
		return fmt.Errorf("stepConfig: MaxKL must be positive, got %v",
			c.MaxKL)
	}
	if c.CGIters < 1 {
		return fmt.Errorf("stepConfig: CGIters must be positive, got %v",
			c.CGIters)
	}
	if c.CGDamping < 0 {
		return fmt.Errorf("stepConfig: CGDamping must be non-negative, "+
			"got %v", c.CGDamping)
	}
	if c.LSMaxSteps < 1 {
		return fmt.Errorf("stepConfig: LSMaxSteps must be positive, got %v",
			c.LSMaxSteps)
	}
	if c.LSBacktrackRatio <= 0 || c.LSBacktrackRatio >= 1 {
		return fmt.Errorf("stepConfig: LSBacktrackRatio must be in (0, 1), "+
			"got %v", c.LSBacktrackRatio)
	}
	return nil
}

// StepResult summarizes one meta-update
type StepResult struct {
	// Loss and KL are the mean surrogate loss and mean KL divergence
	// before the update
	Loss float64
	KL   float64

	// Improvement is the change in mean surrogate loss at the accepted
	// step, negative when the step helped. It is 0 when no step was
	// accepted.
	Improvement float64

	// StepSize is the accepted line-search step size, 0 when the line
	// search exhausted its budget and the update was reverted
	StepSize float64

	// Accepted reports whether any step passed the line-search
	// acceptance test
	Accepted bool
}

// MAMLTRPO meta-learns the stored parameters of a policy. Each task is
// adapted with a handful of inner policy-gradient steps; the meta-
// update then improves the mean post-adaptation surrogate loss while
// keeping the adapted policies within a KL trust region of their
// pre-update counterparts.
type MAMLTRPO struct {
	policy     policy.Policy
	fastLR     float64
	numSteps   int
	firstOrder bool
}

// New creates a MAMLTRPO meta-learner for the given policy. fastLR and
// numSteps control the inner adaptation; with firstOrder set, the
// meta-gradient ignores second-order terms of the adaptation.
func New(p policy.Policy, fastLR float64, numSteps int,
	firstOrder bool) (*MAMLTRPO, error) {
	if fastLR <= 0 {
		return nil, fmt.Errorf("new: fastLR must be positive, got %v",
			fastLR)
	}
	if numSteps < 0 {
		return nil, fmt.Errorf("new: numSteps must be non-negative, got %v",
			numSteps)
	}

	return &MAMLTRPO{
		policy:     p,
		fastLR:     fastLR,
		numSteps:   numSteps,
		firstOrder: firstOrder,
	}, nil
}

// Policy returns the policy whose stored parameters are meta-learned
func (m *MAMLTRPO) Policy() policy.Policy { return m.policy }

// Adapt runs the inner adaptation on a task's train batch, returning
// task-specific parameters. With zero adaptation steps the returned
// parameters are nil, which every policy treats as its stored
// parameters.
func (m *MAMLTRPO) Adapt(train *episode.Batch) ([]*autograd.Node, error) {
	params, err := m.adapt(train, m.firstOrder)
	if err != nil {
		return nil, fmt.Errorf("adapt: %v", err)
	}
	return params, nil
}

// adapt is the inner adaptation loop
func (m *MAMLTRPO) adapt(train *episode.Batch,
	firstOrder bool) ([]*autograd.Node, error) {
	var params []*autograd.Node
	for i := 0; i < m.numSteps; i++ {
		loss, err := policy.ReinforceLoss(m.policy, train, params)
		if err != nil {
			return nil, err
		}
		params, err = m.policy.UpdateParams(loss, params, m.fastLR,
			firstOrder)
		if err != nil {
			return nil, err
		}
	}
	return params, nil
}

// taskLoss is one task's contribution to the meta-objective
type taskLoss struct {
	loss   *autograd.Node
	kl     *autograd.Node
	params []*autograd.Node
	oldPi  distribution.Distribution
}

// surrogateLoss evaluates the importance-weighted surrogate loss and
// trust-region KL of one task on its validation batch.
//
// On the first evaluation params and oldPi are nil: the task is
// adapted from its train batch with the configured gradient order so
// that the meta-gradient is exact, and the adapted validation
// distribution is detached and returned as the fixed reference for
// later probes. Line-search probes pass both back in and reuse them
// as-is; adaptation is never recomputed during the line search.
func (m *MAMLTRPO) surrogateLoss(ctx context.Context, trainFuture,
	validFuture *sampler.Future, params []*autograd.Node,
	oldPi distribution.Distribution) (*taskLoss, error) {
	firstOrder := m.firstOrder || oldPi != nil
	if params == nil {
		train, err := trainFuture.Await(ctx)
		if err != nil {
			return nil, err
		}
		params, err = m.adapt(train, firstOrder)
		if err != nil {
			return nil, err
		}
	}

	valid, err := validFuture.Await(ctx)
	if err != nil {
		return nil, err
	}

	pi, err := m.policy.Forward(valid.Observations, params)
	if err != nil {
		return nil, err
	}
	if oldPi == nil {
		oldPi = pi.Detach()
	}

	logProbs, err := timestepLogProbs(pi, valid.Actions)
	if err != nil {
		return nil, err
	}
	oldLogProbs, err := timestepLogProbs(oldPi, valid.Actions)
	if err != nil {
		return nil, err
	}

	logRatio, err := logProbs.Sub(oldLogProbs)
	if err != nil {
		return nil, err
	}
	ratio := logRatio.Exp()

	advantages, err := autograd.FromDense(valid.Advantages)
	if err != nil {
		return nil, err
	}
	mask, err := autograd.FromDense(valid.Mask)
	if err != nil {
		return nil, err
	}

	weighted, err := ratio.Mul(advantages)
	if err != nil {
		return nil, err
	}
	meanLoss, err := autograd.WeightedMean(weighted, mask)
	if err != nil {
		return nil, err
	}

	pointwiseKL, err := pi.KL(oldPi)
	if err != nil {
		return nil, err
	}
	meanKL, err := autograd.WeightedMean(pointwiseKL, mask)
	if err != nil {
		return nil, err
	}

	return &taskLoss{
		loss:   autograd.Neg(meanLoss),
		kl:     meanKL,
		params: params,
		oldPi:  oldPi,
	}, nil
}

// timestepLogProbs returns per-timestep [T, B] log-probabilities,
// summing per-action-dimension log-probabilities when the distribution
// reports them separately.
func timestepLogProbs(pi distribution.Distribution,
	actions *tensor.Dense) (*autograd.Tensor, error) {
	logProbs, err := pi.LogProb(actions)
	if err != nil {
		return nil, err
	}
	if logProbs.Dims() > 2 {
		return logProbs.SumLast()
	}
	return logProbs, nil
}

// HessianVectorProduct returns a matrix-free oracle for products with
// the Hessian of the given mean KL divergence with respect to the
// policy's stored parameters, plus Tikhonov damping:
//
//	v ↦ ∇²kl · v + damping · v
//
// The KL gradient is differentiated once up front; each product costs
// one further backward pass.
func (m *MAMLTRPO) HessianVectorProduct(kl *autograd.Node,
	damping float64) solver.MatVec {
	params := m.policy.Parameters()
	klGrads := autograd.Grad(kl, params)

	return func(v *mat.VecDense) (*mat.VecDense, error) {
		gradDotV, err := autograd.Dot(klGrads, v)
		if err != nil {
			return nil, fmt.Errorf("hessianVectorProduct: %v", err)
		}
		hv := autograd.FlatGrad(gradDotV, params)

		out := mat.NewVecDense(hv.Len(), nil)
		out.AddScaledVec(hv, damping, v)
		return out, nil
	}
}

// Step performs one trust-region meta-update from per-task train and
// validation futures. All tasks must resolve successfully; any task
// failure aborts the update with the policy parameters unchanged.
//
// A line search that exhausts its budget without finding an acceptable
// step reverts the parameters exactly and returns a StepResult with
// Accepted unset. That outcome is an observable result, not an error.
func (m *MAMLTRPO) Step(ctx context.Context, trainFutures,
	validFutures []*sampler.Future, c StepConfig) (StepResult, error) {
	if err := c.validate(); err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}
	if len(trainFutures) == 0 {
		return StepResult{}, fmt.Errorf("step: no tasks")
	}
	if len(trainFutures) != len(validFutures) {
		return StepResult{}, fmt.Errorf("step: train and valid futures "+
			"must pair up \n\twant(%v)\n\thave(%v)", len(trainFutures),
			len(validFutures))
	}

	tasks, err := m.gatherLosses(ctx, trainFutures, validFutures, nil)
	if err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}

	losses := make([]*autograd.Node, len(tasks))
	kls := make([]*autograd.Node, len(tasks))
	for i, task := range tasks {
		losses[i] = task.loss
		kls[i] = task.kl
	}
	oldLoss := autograd.Mean(losses)
	oldKL := autograd.Mean(kls)
	result := StepResult{Loss: oldLoss.Value(), KL: oldKL.Value()}

	params := m.policy.Parameters()
	grads := autograd.FlatGrad(oldLoss, params)

	hvp := m.HessianVectorProduct(oldKL, c.CGDamping)
	stepDir, err := solver.ConjugateGradient(hvp, grads, c.CGIters)
	if err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}

	// Scale the step direction so that the quadratic KL model predicts
	// a divergence of MaxKL at step size 1.
	hStepDir, err := hvp(stepDir)
	if err != nil {
		return StepResult{}, fmt.Errorf("step: %v", err)
	}
	shs := 0.5 * mat.Dot(stepDir, hStepDir)
	if math.IsNaN(shs) || math.IsInf(shs, 0) || shs <= 0 {
		return StepResult{}, fmt.Errorf("step: sᵀHs = %v: %w", shs,
			ErrNumericalInstability)
	}
	lagrangeMultiplier := math.Sqrt(shs / c.MaxKL)
	if math.IsNaN(lagrangeMultiplier) || math.IsInf(lagrangeMultiplier, 0) ||
		lagrangeMultiplier <= 0 {
		return StepResult{}, fmt.Errorf("step: lagrange multiplier = %v: %w",
			lagrangeMultiplier, ErrNumericalInstability)
	}

	step := mat.NewVecDense(stepDir.Len(), nil)
	step.ScaleVec(1/lagrangeMultiplier, stepDir)

	oldParams := autograd.ParamsToVector(params)
	candidate := mat.NewVecDense(oldParams.Len(), nil)

	stepSize := 1.0
	for ls := 0; ls < c.LSMaxSteps; ls++ {
		candidate.AddScaledVec(oldParams, -stepSize, step)
		if err := autograd.VectorToParams(candidate, params); err != nil {
			return StepResult{}, fmt.Errorf("step: %v", err)
		}

		probes, err := m.gatherLosses(ctx, trainFutures, validFutures,
			tasks)
		if err != nil {
			if revertErr := autograd.VectorToParams(oldParams,
				params); revertErr != nil {
				return StepResult{}, fmt.Errorf("step: %v (revert failed: "+
					"%v)", err, revertErr)
			}
			return StepResult{}, fmt.Errorf("step: %v", err)
		}

		newLoss, newKL := 0.0, 0.0
		for _, probe := range probes {
			newLoss += probe.loss.Value()
			newKL += probe.kl.Value()
		}
		newLoss /= float64(len(probes))
		newKL /= float64(len(probes))

		improvement := newLoss - result.Loss
		if improvement < 0 && newKL < c.MaxKL {
			result.Improvement = improvement
			result.StepSize = stepSize
			result.Accepted = true
			return result, nil
		}
		stepSize *= c.LSBacktrackRatio
	}

	if err := autograd.VectorToParams(oldParams, params); err != nil {
		return StepResult{}, fmt.Errorf("step: revert failed: %v", err)
	}
	log.Printf("step: line search found no acceptable step in %v "+
		"backtracks, update reverted", c.LSMaxSteps)
	return result, nil
}

// gatherLosses evaluates the surrogate loss of every task
// concurrently, failing as a unit if any task fails. A nil previous
// slice means this is the initial pass; otherwise each task reuses its
// initial pass's adapted parameters and reference distribution.
func (m *MAMLTRPO) gatherLosses(ctx context.Context, trainFutures,
	validFutures []*sampler.Future,
	previous []*taskLoss) ([]*taskLoss, error) {
	results := make([]*taskLoss, len(trainFutures))

	g, gctx := errgroup.WithContext(ctx)
	for i := range trainFutures {
		i := i
		g.Go(func() error {
			var params []*autograd.Node
			var oldPi distribution.Distribution
			if previous != nil {
				params = previous[i].params
				oldPi = previous[i].oldPi
			}
			task, err := m.surrogateLoss(gctx, trainFutures[i],
				validFutures[i], params, oldPi)
			if err != nil {
				return fmt.Errorf("task %v: %v", i, err)
			}
			results[i] = task
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TrainStep samples episode batches for a batch of tasks through s and
// performs one meta-update on them. Sampling work is drained before
// returning so that the updated parameters are never consumed by
// in-flight rollouts.
func (m *MAMLTRPO) TrainStep(ctx context.Context, s Sampler,
	tasks []environment.Task, c StepConfig) (StepResult, error) {
	trainFutures, validFutures, err := s.SampleAsync(tasks)
	if err != nil {
		return StepResult{}, fmt.Errorf("trainStep: %v", err)
	}
	defer s.JoinConsumerThreads()

	result, err := m.Step(ctx, trainFutures, validFutures, c)
	if err != nil {
		return StepResult{}, fmt.Errorf("trainStep: %v", err)
	}
	return result, nil
}
