package sampler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/samuelfneumann/gomaml/autograd"
	"github.com/samuelfneumann/gomaml/baseline"
	"github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/episode"
	"github.com/samuelfneumann/gomaml/policy"
)

// Config describes how episode batches are collected for each task
type Config struct {
	// NumEpisodes is the number of episodes collected per batch
	NumEpisodes int

	// Horizon is the maximum episode length
	Horizon int

	// NumSteps and FastLR control the in-worker inner adaptation
	// performed between collecting the train and validation batches
	// of a task. Workers adapt with first-order gradients only; the
	// meta-learner recomputes adaptation differentiably from the
	// train batch itself.
	NumSteps int
	FastLR   float64

	// Gamma and Tau are the discount and GAE(λ) coefficients for
	// advantage estimation
	Gamma float64
	Tau   float64

	// NormalizeAdvantages standardizes advantages per batch
	NormalizeAdvantages bool

	// BaselineReg is the regularization coefficient of the linear
	// feature baseline fit to each train batch
	BaselineReg float64

	// Seed seeds the per-worker action-sampling RNGs
	Seed uint64
}

// validate checks a Config
func (c Config) validate() error {
	if c.NumEpisodes < 1 {
		return fmt.Errorf("config: NumEpisodes must be positive, got %v",
			c.NumEpisodes)
	}
	if c.Horizon < 1 {
		return fmt.Errorf("config: Horizon must be positive, got %v",
			c.Horizon)
	}
	if c.NumSteps < 0 {
		return fmt.Errorf("config: NumSteps must be non-negative, got %v",
			c.NumSteps)
	}
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("config: Gamma must be in [0, 1], got %v", c.Gamma)
	}
	if c.Tau < 0 || c.Tau > 1 {
		return fmt.Errorf("config: Tau must be in [0, 1], got %v", c.Tau)
	}
	return nil
}

// job is one task's worth of sampling work
type job struct {
	task  environment.Task
	train *Future
	valid *Future
}

// MultiTaskSampler collects train and validation episode batches for
// batches of tasks on a pool of worker goroutines. For each task a
// worker collects a train batch with the current policy parameters,
// adapts the parameters on that batch, and collects a validation
// batch with the adapted parameters.
type MultiTaskSampler struct {
	policy policy.Policy
	config Config

	jobs    chan job
	pending sync.WaitGroup
	workers sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a MultiTaskSampler with numWorkers worker goroutines.
// Each worker owns an environment instance created by makeEnv.
func New(makeEnv environment.Maker, p policy.Policy, c Config,
	numWorkers int) (*MultiTaskSampler, error) {
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("new: %v", err)
	}
	if numWorkers < 1 {
		return nil, fmt.Errorf("new: numWorkers must be positive, got %v",
			numWorkers)
	}

	s := &MultiTaskSampler{
		policy: p,
		config: c,
		jobs:   make(chan job),
	}

	for i := 0; i < numWorkers; i++ {
		env, err := makeEnv()
		if err != nil {
			close(s.jobs)
			return nil, fmt.Errorf("new: worker %v: %v", i, err)
		}
		rng := rand.New(rand.NewSource(c.Seed + uint64(i)))

		s.workers.Add(1)
		go s.work(env, rng)
	}
	return s, nil
}

// work is the worker goroutine loop
func (s *MultiTaskSampler) work(env environment.Environment,
	rng *rand.Rand) {
	defer s.workers.Done()
	for j := range s.jobs {
		s.process(env, rng, j)
		s.pending.Done()
	}
}

// process samples the train and validation batches for one task
func (s *MultiTaskSampler) process(env environment.Environment,
	rng *rand.Rand, j job) {
	if err := env.ResetTask(j.task); err != nil {
		err = fmt.Errorf("sample: %v", err)
		j.train.Complete(nil, err)
		j.valid.Complete(nil, err)
		return
	}

	bl := baseline.NewLinear(s.config.BaselineReg)

	train, err := s.collect(env, rng, nil)
	if err == nil {
		err = s.estimateAdvantages(train, bl, true)
	}
	if err != nil {
		err = fmt.Errorf("sample: train: %v", err)
		j.train.Complete(nil, err)
		j.valid.Complete(nil, err)
		return
	}
	j.train.Complete(train, nil)

	params, err := s.adapt(train)
	if err == nil {
		var valid *episode.Batch
		valid, err = s.collect(env, rng, params)
		if err == nil {
			err = s.estimateAdvantages(valid, bl, false)
		}
		if err == nil {
			j.valid.Complete(valid, nil)
			return
		}
	}
	j.valid.Complete(nil, fmt.Errorf("sample: valid: %v", err))
}

// adapt runs the in-worker inner adaptation on a train batch. The
// adapted parameters only steer validation rollouts, so first-order
// gradients suffice here.
func (s *MultiTaskSampler) adapt(
	train *episode.Batch) ([]*autograd.Node, error) {
	var params []*autograd.Node
	for i := 0; i < s.config.NumSteps; i++ {
		loss, err := policy.ReinforceLoss(s.policy, train, params)
		if err != nil {
			return nil, err
		}
		params, err = s.policy.UpdateParams(loss, params, s.config.FastLR,
			true)
		if err != nil {
			return nil, err
		}
	}
	return params, nil
}

// collect runs NumEpisodes rollouts with the given parameter override
func (s *MultiTaskSampler) collect(env environment.Environment,
	rng *rand.Rand, params []*autograd.Node) (*episode.Batch, error) {
	obsDims := env.ObservationSpec().Shape.Len()
	actionDims := env.ActionSpec().Shape.Len()
	batch := episode.New(s.config.Horizon, s.config.NumEpisodes, obsDims,
		actionDims)

	for ep := 0; ep < s.config.NumEpisodes; ep++ {
		obs, err := env.Reset()
		if err != nil {
			return nil, err
		}

		for t := 0; t < s.config.Horizon; t++ {
			action, err := s.policy.SelectAction(obs.RawVector().Data,
				params, rng)
			if err != nil {
				return nil, err
			}

			next, reward, done, err := env.Step(mat.NewVecDense(
				len(action), action))
			if err != nil {
				return nil, err
			}

			err = batch.Append(ep, obs.RawVector().Data, action, reward)
			if err != nil {
				return nil, err
			}

			obs = next
			if done {
				break
			}
		}
	}
	return batch, nil
}

// estimateAdvantages computes returns and GAE advantages for a batch.
// The baseline is fit on train batches and reused, unfitted or
// fitted, for the task's validation batch.
func (s *MultiTaskSampler) estimateAdvantages(batch *episode.Batch,
	bl *baseline.Linear, fit bool) error {
	batch.ComputeReturns(s.config.Gamma)
	if fit {
		if err := bl.Fit(batch); err != nil {
			return err
		}
	}
	values, err := bl.Values(batch)
	if err != nil {
		return err
	}
	return batch.ComputeAdvantages(values, s.config.Gamma, s.config.Tau,
		s.config.NormalizeAdvantages)
}

// SampleAsync queues sampling work for every task and returns one
// train and one validation future per task, in task order.
func (s *MultiTaskSampler) SampleAsync(
	tasks []environment.Task) ([]*Future, []*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, fmt.Errorf("sampleAsync: sampler is closed")
	}

	trainFutures := make([]*Future, len(tasks))
	validFutures := make([]*Future, len(tasks))
	s.pending.Add(len(tasks))
	for i, task := range tasks {
		trainFutures[i] = NewFuture()
		validFutures[i] = NewFuture()
		s.jobs <- job{task: task, train: trainFutures[i],
			valid: validFutures[i]}
	}
	return trainFutures, validFutures, nil
}

// Sample synchronously collects train and validation batches for
// every task.
func (s *MultiTaskSampler) Sample(ctx context.Context,
	tasks []environment.Task) ([]*episode.Batch, []*episode.Batch, error) {
	trainFutures, validFutures, err := s.SampleAsync(tasks)
	if err != nil {
		return nil, nil, fmt.Errorf("sample: %v", err)
	}

	trains := make([]*episode.Batch, len(tasks))
	valids := make([]*episode.Batch, len(tasks))
	for i := range tasks {
		if trains[i], err = trainFutures[i].Await(ctx); err != nil {
			return nil, nil, fmt.Errorf("sample: task %v: %v", i, err)
		}
		if valids[i], err = validFutures[i].Await(ctx); err != nil {
			return nil, nil, fmt.Errorf("sample: task %v: %v", i, err)
		}
	}
	return trains, valids, nil
}

// JoinConsumerThreads blocks until all queued sampling work has
// finished. The meta-learner calls this at the end of each outer
// iteration so that no rollout is still consuming the policy
// parameters when they are mutated.
func (s *MultiTaskSampler) JoinConsumerThreads() {
	s.pending.Wait()
}

// Close shuts down the worker pool. Pending work is finished first.
func (s *MultiTaskSampler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("close: close on closed sampler")
	}
	s.closed = true
	s.mu.Unlock()

	close(s.jobs)
	s.workers.Wait()
	return nil
}
