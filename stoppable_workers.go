package utils

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrStoppableWorkersAlreadyStopped is returned by Add once Stop has been called.
var ErrStoppableWorkersAlreadyStopped = errors.New("cannot add worker: already stopped")

// StoppableWorkers is a collection of goroutines that can be stopped at a
// later time. Sessions and managers use one per lifetime so teardown can
// join every goroutine they started.
type StoppableWorkers struct {
	mu         sync.RWMutex
	ctx        context.Context
	cancelFunc func()

	workers sync.WaitGroup
}

// NewStoppableWorkers creates a new StoppableWorkers instance. The instance's
// context will be derived from passed in context.
func NewStoppableWorkers(ctx context.Context) *StoppableWorkers {
	ctx, cancelFunc := context.WithCancel(ctx)
	return &StoppableWorkers{ctx: ctx, cancelFunc: cancelFunc}
}

// NewStoppableWorkersWith starts the given workers immediately.
func NewStoppableWorkersWith(ctx context.Context, workers ...func(context.Context)) *StoppableWorkers {
	sw := NewStoppableWorkers(ctx)
	for _, worker := range workers {
		// cannot fail; nothing has stopped sw yet
		UncheckedError(sw.Add(worker))
	}
	return sw
}

// Add starts up a goroutine for the passed-in function. Workers:
//
//   - MUST respond appropriately to errors on the context parameter.
//   - MUST NOT add more workers to the `StoppableWorkers` group to which
//     they belong.
//
// Any `panic`s from workers will be `recover`ed and logged.
func (sw *StoppableWorkers) Add(worker func(context.Context)) error {
	// Stop write-locks; concurrent adds only need the read side.
	sw.mu.RLock()
	if sw.ctx.Err() != nil {
		sw.mu.RUnlock()
		return ErrStoppableWorkersAlreadyStopped
	}
	sw.workers.Add(1)
	sw.mu.RUnlock()

	PanicCapturingGo(func() {
		defer sw.workers.Done()
		worker(sw.ctx)
	})
	return nil
}

// Context returns the context every worker receives.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}

// Stop idempotently shuts down all the goroutines we started up.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	if sw.ctx.Err() != nil {
		sw.mu.Unlock()
		sw.workers.Wait()
		return
	}
	sw.cancelFunc()
	sw.mu.Unlock()
	sw.workers.Wait()
}
