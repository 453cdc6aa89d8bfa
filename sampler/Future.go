// Package sampler implements asynchronous collection of episode
// batches for batches of tasks. Rollouts run on worker goroutines;
// consumers receive futures that resolve to episode batches once the
// corresponding rollouts finish.
package sampler

import (
	"context"
	"sync"

	"github.com/samuelfneumann/gomaml/episode"
)

// Future is a single-assignment container for an episode batch that
// is still being collected. A Future may be awaited any number of
// times and from any number of goroutines; every Await returns the
// same batch or error.
type Future struct {
	done chan struct{}
	once sync.Once

	batch *episode.Batch
	err   error
}

// NewFuture returns a new, unresolved Future
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a Future that is already resolved with the given
// batch.
func Resolved(batch *episode.Batch) *Future {
	f := NewFuture()
	f.Complete(batch, nil)
	return f
}

// Failed returns a Future that is already resolved with the given
// error.
func Failed(err error) *Future {
	f := NewFuture()
	f.Complete(nil, err)
	return f
}

// Complete resolves the Future. Only the first call has any effect.
func (f *Future) Complete(batch *episode.Batch, err error) {
	f.once.Do(func() {
		f.batch = batch
		f.err = err
		close(f.done)
	})
}

// Await blocks until the Future resolves or the context is cancelled,
// then returns the batch or error it resolved with.
func (f *Future) Await(ctx context.Context) (*episode.Batch, error) {
	select {
	case <-f.done:
		return f.batch, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
