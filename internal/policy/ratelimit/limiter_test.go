package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediascrape/internal/media"
)

type countingFetcher struct {
	calls atomic.Int32
}

func (c *countingFetcher) Fetch(_ context.Context, url string) (media.Page, error) {
	c.calls.Add(1)
	return media.Page{URL: url, StatusCode: 200}, nil
}

func TestLimiterWaitsWithinHost(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 10, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://test.com/a"))

	// 10 RPS with burst 1 leaves the bucket empty for ~100ms.
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://test.com/b"))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterIsolatesHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "https://a.com/1"))
	start := time.Now()
	require.NoError(t, l.Wait(ctx, "https://b.com/1"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestWrapDisabledReturnsNext(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	require.Same(t, next, Wrap(next, Config{}))
}

func TestFetcherCanceledWaitIsFetchError(t *testing.T) {
	t.Parallel()

	next := &countingFetcher{}
	f := Wrap(next, Config{RPS: 0.1, Burst: 1})

	_, err := f.Fetch(context.Background(), "https://slow.test/1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://slow.test/2")
	var fetchErr *media.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "https://slow.test/2", fetchErr.URL)
	require.Equal(t, int32(1), next.calls.Load())
}
