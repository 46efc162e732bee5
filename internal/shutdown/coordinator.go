// Package shutdown sequences process teardown:
// Running -> Draining -> Flushing -> Closed, never backwards.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/metrics"
)

const defaultStepTimeout = 15 * time.Second

// State is the coordinator lifecycle phase.
type State int32

// Lifecycle phases.
const (
	StateRunning State = iota
	StateDraining
	StateFlushing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Intake is the worker pool: it can stop claiming and wait for in-flight jobs.
type Intake interface {
	StopIntake()
	Wait(ctx context.Context) error
}

// Flusher is the persistence buffer.
type Flusher interface {
	Stop(ctx context.Context) error
	Flush(ctx context.Context) error
	Len() int
}

// Config wires the coordinator to the components it tears down.
type Config struct {
	Workers     Intake
	Queue       media.JobQueue
	Buffer      Flusher
	Store       media.Store
	StepTimeout time.Duration
	Logger      *zap.Logger
}

// Coordinator runs the shutdown sequence exactly once. Every step is bounded
// by StepTimeout; a failing step is logged and the sequence continues.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger
	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	err    error
}

// New constructs a Coordinator in the Running state.
func New(cfg Config) *Coordinator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, logger: logger, done: make(chan struct{})}
}

// State reports the current phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done is closed once shutdown has completed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown drives the sequence. Concurrent and repeated calls wait for the
// first run and return its result. ctx only bounds how long the caller waits;
// the steps use their own timeouts.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		go func() {
			defer close(c.done)
			c.err = c.run()
		}()
	})
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

func (c *Coordinator) run() error {
	var errs []error
	c.logger.Info("shutdown started")

	c.transition(StateDraining)
	errs = append(errs, c.step("drain", c.drain)...)

	c.transition(StateFlushing)
	errs = append(errs, c.step("flush", c.flush)...)

	c.transition(StateClosed)
	errs = append(errs, c.step("close", c.closeConnections)...)

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		c.logger.Info("shutdown complete")
	}
	return err
}

func (c *Coordinator) transition(next State) {
	prev := State(c.state.Swap(int32(next)))
	c.logger.Info("shutdown state change", zap.Stringer("from", prev), zap.Stringer("to", next))
}

func (c *Coordinator) step(name string, fn func(context.Context) []error) []error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StepTimeout)
	defer cancel()
	errs := fn(ctx)
	metrics.ObserveShutdownStep(name, time.Since(start))
	for _, err := range errs {
		c.logger.Error("shutdown step failed", zap.String("step", name), zap.Error(err))
	}
	return errs
}

// drain stops new claims and waits for in-flight jobs to report.
func (c *Coordinator) drain(ctx context.Context) []error {
	if c.cfg.Queue != nil {
		c.cfg.Queue.StopIntake()
	}
	if c.cfg.Workers == nil {
		return nil
	}
	c.cfg.Workers.StopIntake()
	if err := c.cfg.Workers.Wait(ctx); err != nil {
		return []error{fmt.Errorf("drain workers: %w", err)}
	}
	return nil
}

// flush stops the periodic timer and forces one final flush.
func (c *Coordinator) flush(ctx context.Context) []error {
	if c.cfg.Buffer == nil {
		return nil
	}
	var errs []error
	if err := c.cfg.Buffer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop flush timer: %w", err))
	}
	if err := c.cfg.Buffer.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("final flush: %w", err))
		c.logger.Error("records left unpersisted", zap.Int("records", c.cfg.Buffer.Len()))
	}
	return errs
}

// closeConnections closes the queue before the store.
func (c *Coordinator) closeConnections(ctx context.Context) []error {
	var errs []error
	if c.cfg.Queue != nil {
		if err := c.cfg.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if c.cfg.Store != nil {
		if err := c.cfg.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	return errs
}
