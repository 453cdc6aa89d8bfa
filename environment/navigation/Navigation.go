// Package navigation implements 2D point navigation with a
// distribution of goal-position tasks. The agent is a point in the
// plane, actions are bounded velocity commands, and the reward is the
// negative Euclidean distance to the current task's goal. Tasks differ
// only in goal position, sampled uniformly from a square.
package navigation

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	env "github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/utils/matutils"
)

const (
	// Dims is the dimensionality of both observations and actions
	Dims int = 2

	// MaxSpeed bounds each action component
	MaxSpeed float64 = 0.1

	// GoalRadius is the distance to the goal at which an episode
	// terminates
	GoalRadius float64 = 0.01
)

// GoalTask is a navigation task: reach the given goal position
type GoalTask struct {
	Goal []float64
}

// Navigation implements the 2D point navigation environment
type Navigation struct {
	starter  env.Starter
	goalLow  float64
	goalHigh float64

	goal     *mat.VecDense
	position *mat.VecDense
}

// New creates a Navigation environment whose starting states come
// from starter and whose task goals are sampled uniformly from
// [goalLow, goalHigh]².
func New(starter env.Starter, goalLow, goalHigh float64) (*Navigation,
	error) {
	if goalLow >= goalHigh {
		return nil, fmt.Errorf("new: illegal goal bounds [%v, %v]", goalLow,
			goalHigh)
	}

	return &Navigation{
		starter:  starter,
		goalLow:  goalLow,
		goalHigh: goalHigh,
		goal:     mat.NewVecDense(Dims, nil),
		position: mat.NewVecDense(Dims, nil),
	}, nil
}

// SampleTasks draws n goal positions uniformly from the goal square
func (n *Navigation) SampleTasks(rng *rand.Rand,
	count int) ([]env.Task, error) {
	if count < 1 {
		return nil, fmt.Errorf("sampleTasks: count must be positive, got %v",
			count)
	}

	tasks := make([]env.Task, count)
	for i := range tasks {
		goal := make([]float64, Dims)
		for d := range goal {
			goal[d] = n.goalLow + (n.goalHigh-n.goalLow)*rng.Float64()
		}
		tasks[i] = GoalTask{Goal: goal}
	}
	return tasks, nil
}

// ResetTask switches the environment to the given goal task
func (n *Navigation) ResetTask(t env.Task) error {
	task, ok := t.(GoalTask)
	if !ok {
		return fmt.Errorf("resetTask: illegal task type %T", t)
	}
	if len(task.Goal) != Dims {
		return fmt.Errorf("resetTask: illegal goal length "+
			"\n\twant(%v)\n\thave(%v)", Dims, len(task.Goal))
	}
	for d := 0; d < Dims; d++ {
		n.goal.SetVec(d, task.Goal[d])
	}
	return nil
}

// Reset starts a new episode at a sampled starting state
func (n *Navigation) Reset() (*mat.VecDense, error) {
	start := n.starter.Start()
	if start.Len() != Dims {
		return nil, fmt.Errorf("reset: illegal start state length "+
			"\n\twant(%v)\n\thave(%v)", Dims, start.Len())
	}
	for d := 0; d < Dims; d++ {
		n.position.SetVec(d, start.AtVec(d))
	}
	return n.observation(), nil
}

// Step applies a velocity command. Actions are clipped to
// [-MaxSpeed, MaxSpeed] per component.
func (n *Navigation) Step(action *mat.VecDense) (*mat.VecDense, float64,
	bool, error) {
	if action.Len() != Dims {
		return nil, 0, false, fmt.Errorf("step: illegal action length "+
			"\n\twant(%v)\n\thave(%v)", Dims, action.Len())
	}

	clipped := mat.NewVecDense(Dims, nil)
	clipped.CopyVec(action)
	matutils.VecClip(clipped, -MaxSpeed, MaxSpeed)

	n.position.AddVec(n.position, clipped)

	dist := n.goalDistance()
	reward := -dist
	done := dist < GoalRadius

	return n.observation(), reward, done, nil
}

// goalDistance returns the Euclidean distance from the current
// position to the goal.
func (n *Navigation) goalDistance() float64 {
	total := 0.0
	for d := 0; d < Dims; d++ {
		diff := n.position.AtVec(d) - n.goal.AtVec(d)
		total += diff * diff
	}
	return math.Sqrt(total)
}

// observation returns a copy of the current position
func (n *Navigation) observation() *mat.VecDense {
	obs := mat.NewVecDense(Dims, nil)
	obs.CopyVec(n.position)
	return obs
}

// ObservationSpec returns the observation specification
func (n *Navigation) ObservationSpec() env.Spec {
	shape := mat.NewVecDense(Dims, nil)
	low := mat.NewVecDense(Dims, []float64{math.Inf(-1), math.Inf(-1)})
	high := mat.NewVecDense(Dims, []float64{math.Inf(1), math.Inf(1)})
	return env.NewSpec(shape, env.Observation, low, high, env.Continuous)
}

// ActionSpec returns the action specification
func (n *Navigation) ActionSpec() env.Spec {
	shape := mat.NewVecDense(Dims, nil)
	low := mat.NewVecDense(Dims, []float64{-MaxSpeed, -MaxSpeed})
	high := mat.NewVecDense(Dims, []float64{MaxSpeed, MaxSpeed})
	return env.NewSpec(shape, env.Action, low, high, env.Continuous)
}
