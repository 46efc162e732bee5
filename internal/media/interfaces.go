package media

import (
	"context"
	"time"
)

// JobQueue is the durable queue the worker pulls jobs from.
//
// Claim blocks until a job is available, ctx ends, or the queue stops intake
// (ErrQueueClosed). Retry scheduling after Fail is owned by the queue: the
// worker never re-enqueues on its own.
type JobQueue interface {
	Claim(ctx context.Context) (Job, error)
	Complete(ctx context.Context, job Job, summary Summary) error
	Fail(ctx context.Context, job Job, cause error) error
	StopIntake()
	Close(ctx context.Context) error
}

// Enqueuer submits new jobs, one per URL.
type Enqueuer interface {
	Enqueue(ctx context.Context, urls ...string) ([]Job, error)
}

// Store persists batches of media records. BulkInsert is all-or-nothing.
type Store interface {
	BulkInsert(ctx context.Context, records []Record) error
	Close() error
}

// Fetcher retrieves a single page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
