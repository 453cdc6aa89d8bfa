// Package experiment implements functionality for running a
// meta-training experiment: an outer loop that samples a batch of
// tasks each iteration, collects episodes for them, and performs one
// trust-region meta-update.
package experiment

import (
	"context"
	"fmt"
	"log"

	"github.com/samuelfneumann/progressbar"
	"golang.org/x/exp/rand"

	env "github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/experiment/tracker"
	"github.com/samuelfneumann/gomaml/metalearner"
	"github.com/samuelfneumann/gomaml/sampler"
)

// progressBarWidth is the character width of the training progress bar
const progressBarWidth int = 50

// Config describes a meta-training run
type Config struct {
	// NumIterations is the number of outer meta-updates
	NumIterations int

	// TasksPerIteration is the number of tasks sampled for each
	// meta-update
	TasksPerIteration int

	// Seed seeds task sampling
	Seed uint64

	// Step holds the trust-region hyperparameters of every meta-update
	Step metalearner.StepConfig

	// ShowProgress prints a progress bar to the terminal while running
	ShowProgress bool
}

// validate checks a Config
func (c Config) validate() error {
	if c.NumIterations < 1 {
		return fmt.Errorf("config: NumIterations must be positive, got %v",
			c.NumIterations)
	}
	if c.TasksPerIteration < 1 {
		return fmt.Errorf("config: TasksPerIteration must be positive, "+
			"got %v", c.TasksPerIteration)
	}
	return nil
}

// MetaTraining runs meta-training of a policy over a task
// distribution. Each iteration samples tasks from the environment,
// fans their episode collection out to the sampler, and hands the
// resulting futures to the meta-learner for one trust-region update.
type MetaTraining struct {
	taskEnv  env.Environment
	sampler  *sampler.MultiTaskSampler
	learner  *metalearner.MAMLTRPO
	config   Config
	rng      *rand.Rand
	trackers []tracker.Tracker
}

// NewMetaTraining creates a meta-training experiment. The taskEnv is
// used only to sample tasks; rollouts run on the sampler's own
// environment instances.
func NewMetaTraining(taskEnv env.Environment, s *sampler.MultiTaskSampler,
	m *metalearner.MAMLTRPO, c Config,
	trackers ...tracker.Tracker) (*MetaTraining, error) {
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("newMetaTraining: %v", err)
	}

	return &MetaTraining{
		taskEnv:  taskEnv,
		sampler:  s,
		learner:  m,
		config:   c,
		rng:      rand.New(rand.NewSource(c.Seed)),
		trackers: trackers,
	}, nil
}

// Register adds a new tracker.Tracker to the (possibly already
// running) experiment.
func (e *MetaTraining) Register(t tracker.Tracker) {
	e.trackers = append(e.trackers, t)
}

// RunIteration performs one meta-update: sample tasks, collect their
// episodes asynchronously, and step the meta-learner. Sampling work is
// drained before the method returns.
func (e *MetaTraining) RunIteration(ctx context.Context,
	iteration int) (metalearner.StepResult, error) {
	tasks, err := e.taskEnv.SampleTasks(e.rng, e.config.TasksPerIteration)
	if err != nil {
		return metalearner.StepResult{}, fmt.Errorf("runIteration: %v", err)
	}

	trainFutures, validFutures, err := e.sampler.SampleAsync(tasks)
	if err != nil {
		return metalearner.StepResult{}, fmt.Errorf("runIteration: %v", err)
	}
	defer e.sampler.JoinConsumerThreads()

	result, err := e.learner.Step(ctx, trainFutures, validFutures,
		e.config.Step)
	if err != nil {
		return metalearner.StepResult{}, fmt.Errorf("runIteration: %w", err)
	}

	meanReturn := 0.0
	for _, future := range validFutures {
		batch, err := future.Await(ctx)
		if err != nil {
			return result, fmt.Errorf("runIteration: %v", err)
		}
		meanReturn += batch.MeanReturn()
	}
	meanReturn /= float64(len(validFutures))

	e.track(iteration, meanReturn)
	return result, nil
}

// Run runs the entire experiment for all meta-iterations. An iteration
// whose trust-region step is numerically unusable is skipped with the
// policy parameters unchanged; any other failure aborts the run.
func (e *MetaTraining) Run(ctx context.Context) error {
	var bar *progressbar.ManualProgressBar
	if e.config.ShowProgress {
		bar = progressbar.NewManual(progressBarWidth,
			e.config.NumIterations)
		bar.Display()
	}

	for i := 0; i < e.config.NumIterations; i++ {
		if _, err := e.RunIteration(ctx, i); err != nil {
			if metalearner.IsNumericalInstability(err) {
				log.Printf("run: iteration %v skipped: %v", i, err)
			} else {
				return fmt.Errorf("run: iteration %v: %v", i, err)
			}
		}

		if bar != nil {
			bar.Increment()
			bar.Display()
		}
	}
	return nil
}

// Save saves all the data cached by the Trackers to disk
func (e *MetaTraining) Save() error {
	for _, t := range e.trackers {
		if err := t.Save(); err != nil {
			return fmt.Errorf("save: %v", err)
		}
	}
	return nil
}

// track records one iteration's data in every tracker
func (e *MetaTraining) track(iteration int, meanReturn float64) {
	for _, t := range e.trackers {
		t.Track(iteration, meanReturn)
	}
}
