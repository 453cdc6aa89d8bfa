// Package environment outlines the interfaces needed to implement
// concrete environments with task distributions. A task distribution
// is a family of related control problems (for example, navigation
// problems differing only in goal position); meta-learning samples
// tasks from the family and adapts the policy to each one.
package environment

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Task identifies one member of an environment's task distribution.
// Concrete environments define their own task types; tasks are opaque
// to everything except the environment that sampled them.
type Task interface{}

// Starter implements a distribution of starting states and samples
// starting states for environments
type Starter interface {
	Start() mat.Vector
}

// Environment implements a simulated environment together with a
// distribution of tasks on it.
type Environment interface {
	// Reset starts a new episode and returns the initial observation
	Reset() (*mat.VecDense, error)

	// Step takes one action in the environment, returning the next
	// observation, the reward, and whether the episode ended
	Step(action *mat.VecDense) (*mat.VecDense, float64, bool, error)

	// SampleTasks draws n tasks from the environment's task
	// distribution
	SampleTasks(rng *rand.Rand, n int) ([]Task, error)

	// ResetTask switches the environment to the given task. Episodes
	// started afterwards belong to that task.
	ResetTask(t Task) error

	ObservationSpec() Spec
	ActionSpec() Spec
}

// Maker constructs a fresh Environment instance. Samplers that run
// rollouts on multiple goroutines create one environment per worker.
type Maker func() (Environment, error)
