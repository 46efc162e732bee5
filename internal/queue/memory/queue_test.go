package memory

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%d", s.n.Add(1)), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestQueue(capacity int, policy retry.Policy) *Queue {
	return NewQueue(Config{Capacity: capacity, Policy: policy, IDs: &seqIDs{}, Clock: fixedClock{}})
}

func TestQueueEnqueueClaim(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1, retry.Policy{})
	result := make(chan media.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Claim(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	jobs, err := q.Enqueue(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	select {
	case err := <-errCh:
		t.Fatalf("Claim() error = %v", err)
	case got := <-result:
		require.Equal(t, "job-1", got.ID)
		require.Equal(t, 1, got.Attempt)
		require.Equal(t, 3, got.MaxAttempts)
	case <-time.After(time.Second):
		t.Fatal("claim did not return job")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1, retry.Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Claim(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	_, err = q.Enqueue(context.Background(), "https://primed.test")
	require.NoError(t, err)
	jobs, err := q.Enqueue(ctx, "https://blocked.test")
	require.EqualError(t, err, "enqueue canceled: context canceled")
	require.Empty(t, jobs)
}

func TestQueueStopIntake(t *testing.T) {
	t.Parallel()

	q := newTestQueue(4, retry.Policy{})
	_, err := q.Enqueue(context.Background(), "https://a.test")
	require.NoError(t, err)

	q.StopIntake()
	q.StopIntake()

	_, err = q.Claim(context.Background())
	require.ErrorIs(t, err, media.ErrQueueClosed)
	_, err = q.Enqueue(context.Background(), "https://b.test")
	require.ErrorIs(t, err, media.ErrQueueClosed)
	require.Equal(t, 1, q.Len())
}

func TestQueueCompleteRecordsSummary(t *testing.T) {
	t.Parallel()

	q := newTestQueue(1, retry.Policy{})
	require.NoError(t, q.Complete(context.Background(), media.Job{ID: "j1"}, media.Summary{Found: 4}))
	summary, ok := q.Completed("j1")
	require.True(t, ok)
	require.Equal(t, 4, summary.Found)
}

func TestQueueFailRedeliversWithNextAttempt(t *testing.T) {
	t.Parallel()

	q := newTestQueue(2, retry.NewPolicy(3, time.Millisecond, 5*time.Millisecond))
	jobs, err := q.Enqueue(context.Background(), "https://a.test")
	require.NoError(t, err)

	job, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.Equal(t, jobs[0].ID, job.ID)

	require.NoError(t, q.Fail(context.Background(), job, errors.New("fetch failed")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempt)
	require.Empty(t, q.Dead())
}

func TestQueueFailParksExhaustedAndTerminalJobs(t *testing.T) {
	t.Parallel()

	q := newTestQueue(2, retry.NewPolicy(2, time.Millisecond, time.Millisecond))
	last := media.Job{ID: "last", Attempt: 2, MaxAttempts: 2}
	terminal := media.Job{ID: "terminal", Attempt: 1, MaxAttempts: 2}

	require.NoError(t, q.Fail(context.Background(), last, errors.New("still failing")))
	require.NoError(t, q.Fail(context.Background(), terminal, media.Terminal(errors.New("bad url"))))

	dead := q.Dead()
	require.Len(t, dead, 2)
	require.Equal(t, "last", dead[0].ID)
	require.Equal(t, "terminal", dead[1].ID)
	require.Equal(t, 0, q.Len())
}

func TestQueueCloseCancelsPendingRedeliveries(t *testing.T) {
	t.Parallel()

	q := newTestQueue(2, retry.NewPolicy(3, 50*time.Millisecond, 50*time.Millisecond))
	require.NoError(t, q.Fail(context.Background(), media.Job{ID: "j1", Attempt: 1}, errors.New("boom")))
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, q.Len())

	// After Close, failures are parked instead of rescheduled.
	require.NoError(t, q.Fail(context.Background(), media.Job{ID: "j2", Attempt: 1}, errors.New("boom")))
	require.Len(t, q.Dead(), 1)
}
