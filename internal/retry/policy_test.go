package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/mediascrape/internal/media"
)

func TestNewPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts)
	require.Equal(t, time.Second, p.BaseDelay)
	require.Equal(t, time.Minute, p.MaxDelay)

	p = NewPolicy(2, time.Second, time.Millisecond)
	require.Equal(t, time.Second, p.MaxDelay)
}

func TestBackoffIsExponentialAndCapped(t *testing.T) {
	t.Parallel()

	p := NewPolicy(10, time.Second, 5*time.Second)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, p.Backoff(tc.attempt), "attempt %d", tc.attempt)
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewPolicy(3, time.Second, time.Minute)
	boom := errors.New("boom")
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(media.Terminal(boom), 1))
}
