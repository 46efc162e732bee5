// Package memory provides a job queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/queue"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

const defaultCapacity = 1024

// Config controls the in-memory queue.
type Config struct {
	Capacity int
	Policy   retry.Policy
	IDs      media.IDGenerator
	Clock    media.Clock
}

// Queue is a bounded in-memory queue with context-aware operations. Failed
// jobs are redelivered after the policy's backoff; nothing survives a restart.
type Queue struct {
	ch     chan media.Job
	policy retry.Policy
	ids    media.IDGenerator
	clock  media.Clock

	intakeOnce sync.Once
	stopped    chan struct{}

	mu        sync.Mutex
	closed    bool
	timers    map[*time.Timer]struct{}
	completed map[string]media.Summary
	dead      []media.Job
}

// NewQueue constructs a new queue with the provided config.
func NewQueue(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = retry.NewPolicy(0, 0, 0)
	}
	return &Queue{
		ch:        make(chan media.Job, cfg.Capacity),
		policy:    cfg.Policy,
		ids:       cfg.IDs,
		clock:     cfg.Clock,
		stopped:   make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
		completed: make(map[string]media.Summary),
	}
}

// Enqueue pushes one job per URL or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, urls ...string) ([]media.Job, error) {
	jobs, err := queue.NewJobs(q.ids, q.clock, q.policy.MaxAttempts, urls)
	if err != nil {
		return nil, err
	}
	for i, job := range jobs {
		if err := q.push(ctx, job); err != nil {
			return jobs[:i], err
		}
	}
	return jobs, nil
}

func (q *Queue) push(ctx context.Context, job media.Job) error {
	select {
	case <-q.stopped:
		return media.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.stopped:
		return media.ErrQueueClosed
	case q.ch <- job:
		return nil
	}
}

// Claim pops the next job, respecting context cancellation and intake stop.
func (q *Queue) Claim(ctx context.Context) (media.Job, error) {
	select {
	case <-q.stopped:
		return media.Job{}, media.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return media.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.stopped:
		return media.Job{}, media.ErrQueueClosed
	case job := <-q.ch:
		return job, nil
	}
}

// Complete records the job's summary.
func (q *Queue) Complete(_ context.Context, job media.Job, summary media.Summary) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[job.ID] = summary
	return nil
}

// Fail schedules a redelivery or parks the job as dead.
func (q *Queue) Fail(_ context.Context, job media.Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !q.policy.ShouldRetry(cause, job.Attempt) {
		q.dead = append(q.dead, job)
		return nil
	}
	next := job
	next.Attempt++
	var timer *time.Timer
	timer = time.AfterFunc(q.policy.Backoff(job.Attempt), func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		// Intake may stop while waiting; the job is then lost with the process.
		_ = q.push(context.Background(), next)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// StopIntake makes Claim and Enqueue return media.ErrQueueClosed.
func (q *Queue) StopIntake() {
	q.intakeOnce.Do(func() { close(q.stopped) })
}

// Close stops intake and cancels pending redeliveries.
func (q *Queue) Close(context.Context) error {
	q.StopIntake()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	clear(q.timers)
	return nil
}

// Len reports jobs waiting to be claimed.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Completed returns the summary recorded for id.
func (q *Queue) Completed(id string) (media.Summary, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	summary, ok := q.completed[id]
	return summary, ok
}

// Dead returns jobs that ran out of attempts or failed terminally.
func (q *Queue) Dead() []media.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]media.Job(nil), q.dead...)
}
