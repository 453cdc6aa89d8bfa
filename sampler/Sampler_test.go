package sampler

import (
	"context"
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	env "github.com/samuelfneumann/gomaml/environment"
	"github.com/samuelfneumann/gomaml/episode"
	"github.com/samuelfneumann/gomaml/policy"
)

// chainEnv is a deterministic single-observation environment. Each
// task carries a fixed per-step reward, and episodes never terminate
// early.
type chainEnv struct {
	reward float64
	step   int
}

type rewardTask struct {
	reward float64
}

func (c *chainEnv) SampleTasks(rng *rand.Rand, n int) ([]env.Task, error) {
	tasks := make([]env.Task, n)
	for i := range tasks {
		tasks[i] = rewardTask{reward: float64(i + 1)}
	}
	return tasks, nil
}

func (c *chainEnv) ResetTask(t env.Task) error {
	task, ok := t.(rewardTask)
	if !ok {
		return errors.New("resetTask: illegal task type")
	}
	c.reward = task.reward
	return nil
}

func (c *chainEnv) Reset() (*mat.VecDense, error) {
	c.step = 0
	return mat.NewVecDense(1, []float64{0}), nil
}

func (c *chainEnv) Step(action *mat.VecDense) (*mat.VecDense, float64,
	bool, error) {
	c.step++
	return mat.NewVecDense(1, []float64{float64(c.step)}), c.reward, false,
		nil
}

func (c *chainEnv) ObservationSpec() env.Spec {
	bound := mat.NewVecDense(1, []float64{math.Inf(1)})
	return env.NewSpec(mat.NewVecDense(1, nil), env.Observation,
		mat.NewVecDense(1, []float64{math.Inf(-1)}), bound, env.Continuous)
}

func (c *chainEnv) ActionSpec() env.Spec {
	bound := mat.NewVecDense(1, []float64{1.0})
	return env.NewSpec(mat.NewVecDense(1, nil), env.Action,
		mat.NewVecDense(1, []float64{-1.0}), bound, env.Continuous)
}

// failingEnv fails every task reset
type failingEnv struct{ chainEnv }

func (f *failingEnv) ResetTask(t env.Task) error {
	return errors.New("resetTask: broken simulator")
}

func testConfig() Config {
	return Config{
		NumEpisodes:         2,
		Horizon:             5,
		NumSteps:            1,
		FastLR:              0.1,
		Gamma:               0.95,
		Tau:                 1.0,
		NormalizeAdvantages: false,
		BaselineReg:         1e-5,
		Seed:                42,
	}
}

func newTestSampler(t *testing.T, makeEnv env.Maker) *MultiTaskSampler {
	t.Helper()

	p, err := policy.NewGaussianLinear(1, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(makeEnv, p, testConfig(), 2)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSampleCollectsPerTaskBatches(t *testing.T) {
	s := newTestSampler(t, func() (env.Environment, error) {
		return &chainEnv{}, nil
	})

	tasks := []env.Task{rewardTask{reward: 1}, rewardTask{reward: 2},
		rewardTask{reward: 3}}
	trains, valids, err := s.Sample(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(trains) != len(tasks) || len(valids) != len(tasks) {
		t.Fatalf("got %v train and %v valid batches, want %v each",
			len(trains), len(valids), len(tasks))
	}

	for i, task := range tasks {
		reward := task.(rewardTask).reward
		want := reward * float64(testConfig().Horizon)
		for _, batch := range []*episode.Batch{trains[i], valids[i]} {
			if got := batch.MeanReturn(); math.Abs(got-want) > 1e-12 {
				t.Errorf("task %v: mean return %v, want %v", i, got, want)
			}
		}
	}
}

func TestSampleAsyncResolvesFutures(t *testing.T) {
	s := newTestSampler(t, func() (env.Environment, error) {
		return &chainEnv{}, nil
	})

	trainFutures, validFutures, err := s.SampleAsync([]env.Task{
		rewardTask{reward: 1}, rewardTask{reward: 2}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := range trainFutures {
		if _, err := trainFutures[i].Await(ctx); err != nil {
			t.Errorf("train future %v: %v", i, err)
		}
		if _, err := validFutures[i].Await(ctx); err != nil {
			t.Errorf("valid future %v: %v", i, err)
		}
	}
	s.JoinConsumerThreads()
}

func TestTaskFailurePropagatesToBothFutures(t *testing.T) {
	s := newTestSampler(t, func() (env.Environment, error) {
		return &failingEnv{}, nil
	})

	trainFutures, validFutures, err := s.SampleAsync([]env.Task{
		rewardTask{reward: 1}})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if _, err := trainFutures[0].Await(ctx); err == nil {
		t.Error("expected train future to fail")
	}
	if _, err := validFutures[0].Await(ctx); err == nil {
		t.Error("expected valid future to fail")
	}
}

func TestAwaitHonoursContextCancellation(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestSampleAsyncAfterCloseFails(t *testing.T) {
	p, err := policy.NewGaussianLinear(1, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	s, err := New(func() (env.Environment, error) {
		return &chainEnv{}, nil
	}, p, testConfig(), 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.SampleAsync([]env.Task{rewardTask{}}); err == nil {
		t.Error("expected error from SampleAsync on closed sampler")
	}
}

func TestConfigValidation(t *testing.T) {
	bad := testConfig()
	bad.NumEpisodes = 0

	p, err := policy.NewGaussianLinear(1, 1, 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(func() (env.Environment, error) {
		return &chainEnv{}, nil
	}, p, bad, 1); err == nil {
		t.Error("expected error for zero NumEpisodes")
	}
}
