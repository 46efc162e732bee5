// Package dispatcher manages the fixed pool of workers pulling from the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/worker"
)

// Dispatcher fans queue work out to a pool of workers. The pool size is the
// concurrency bound: each worker holds at most one job at a time.
type Dispatcher struct {
	enqueuer media.Enqueuer
	workers  []*worker.Worker

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher. enqueuer may be nil when the process only consumes.
func New(enqueuer media.Enqueuer, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		enqueuer: enqueuer,
		workers:  workers,
	}
}

// Start launches all workers in the background. It is a no-op if already started.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	intakeCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(wk *worker.Worker) {
			defer d.wg.Done()
			wk.Run(intakeCtx)
		}(w)
	}
}

// Run starts all workers and blocks until the context finishes and every
// in-flight job has been reported.
func (d *Dispatcher) Run(ctx context.Context) {
	d.Start(ctx)
	<-ctx.Done()
	d.wg.Wait()
}

// StopIntake stops workers from claiming new jobs. Jobs already claimed keep running.
func (d *Dispatcher) StopIntake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}

// Wait blocks until all workers have exited or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, urls ...string) ([]media.Job, error) {
	if d.enqueuer == nil {
		return nil, errors.New("queue enqueue: no enqueuer configured")
	}
	jobs, err := d.enqueuer.Enqueue(ctx, urls...)
	if err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	return jobs, nil
}
