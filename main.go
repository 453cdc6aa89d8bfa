package main

import (
	"context"
	"fmt"
	"log"

	"gonum.org/v1/gonum/spatial/r1"

	"github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/environment/navigation"
	"github.com/samuelfneumann/gomaml/experiment"
	"github.com/samuelfneumann/gomaml/experiment/tracker"
	"github.com/samuelfneumann/gomaml/metalearner"
	"github.com/samuelfneumann/gomaml/policy"
	"github.com/samuelfneumann/gomaml/sampler"
)

func main() {
	var seed uint64 = 192382

	// Episodes start at the origin; goals are sampled from the unit
	// square around it
	makeEnv := func() (environment.Environment, error) {
		bounds := r1.Interval{Min: 0, Max: 0}
		s := environment.NewUniformStarter([]r1.Interval{bounds, bounds},
			seed)
		return navigation.New(s, -0.5, 0.5)
	}

	taskEnv, err := makeEnv()
	if err != nil {
		log.Fatalf("could not create environment: %v", err)
	}

	// Create the meta-learned policy
	pol, err := policy.NewGaussianLinear(navigation.Dims, navigation.Dims,
		1.0)
	if err != nil {
		log.Fatalf("could not create policy: %v", err)
	}

	// Create the episode sampler
	samplerConfig := sampler.Config{
		NumEpisodes:         20,
		Horizon:             100,
		NumSteps:            1,
		FastLR:              0.5,
		Gamma:               0.95,
		Tau:                 1.0,
		NormalizeAdvantages: true,
		BaselineReg:         1e-5,
		Seed:                seed,
	}
	taskSampler, err := sampler.New(makeEnv, pol, samplerConfig, 8)
	if err != nil {
		log.Fatalf("could not create sampler: %v", err)
	}
	defer taskSampler.Close()

	// Create the meta-learning algorithm
	learner, err := metalearner.New(pol, samplerConfig.FastLR,
		samplerConfig.NumSteps, false)
	if err != nil {
		log.Fatalf("could not create meta-learner: %v", err)
	}

	// Experiment
	returns := tracker.NewMetaReturn("./data.bin")
	curve := tracker.NewLearningCurve("./curve.png", 640, 480)
	experimentConfig := experiment.Config{
		NumIterations:     500,
		TasksPerIteration: 20,
		Seed:              seed,
		Step:              metalearner.DefaultStepConfig(),
		ShowProgress:      true,
	}
	e, err := experiment.NewMetaTraining(taskEnv, taskSampler, learner,
		experimentConfig, returns, curve)
	if err != nil {
		log.Fatalf("could not create experiment: %v", err)
	}

	if err := e.Run(context.Background()); err != nil {
		log.Fatalf("experiment failed: %v", err)
	}
	if err := e.Save(); err != nil {
		log.Fatalf("could not save experiment data: %v", err)
	}

	data, err := tracker.LoadData("./data.bin")
	if err != nil {
		log.Fatalf("could not load experiment data: %v", err)
	}
	fmt.Println(data[len(data)-10:])
}
