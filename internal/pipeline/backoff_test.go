package pipeline

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

func noJitter(time.Duration) time.Duration { return 0 }

func fullJitter(limit time.Duration) time.Duration { return limit - 1 }

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	desc := capture.StrategyDescriptor{RetryBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 50 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{40, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, backoff(desc, tc.retry, 0, noJitter), "retry %d", tc.retry)
	}
}

func TestBackoffJitterStaysBelowDelay(t *testing.T) {
	t.Parallel()

	desc := capture.StrategyDescriptor{RetryBackoff: 200 * time.Millisecond}
	require.Equal(t, 200*time.Millisecond-1, backoff(desc, 0, 0, fullJitter))
	for range 100 {
		d := backoff(desc, 1, 0, randomJitter)
		require.GreaterOrEqual(t, d, 200*time.Millisecond)
		require.Less(t, d, 400*time.Millisecond)
	}
}

func TestBackoffHonoursHintWithinCap(t *testing.T) {
	t.Parallel()

	desc := capture.StrategyDescriptor{RetryBackoff: 10 * time.Millisecond, MaxBackoff: 2 * time.Second}
	require.Equal(t, time.Second, backoff(desc, 0, time.Second, noJitter))
	require.Equal(t, 2*time.Second, backoff(desc, 0, time.Minute, noJitter))
	require.Zero(t, backoff(capture.StrategyDescriptor{}, 3, 0, noJitter))
}

func TestBackoffWithoutCapSaturates(t *testing.T) {
	t.Parallel()

	desc := capture.StrategyDescriptor{RetryBackoff: 500 * time.Millisecond}
	prev := backoff(desc, 0, 0, noJitter)
	for _, retry := range []int{1, 10, 42, 43, 44, 63, 100, 1000} {
		d := backoff(desc, retry, 0, noJitter)
		require.Positive(t, d, "retry %d", retry)
		require.GreaterOrEqual(t, d, prev, "retry %d", retry)
		prev = d
	}
	require.Equal(t, time.Duration(math.MaxInt64/2), backoff(desc, 100, 0, noJitter))
	require.Positive(t, backoff(desc, 100, 0, randomJitter))
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	require.NoError(t, sleepCtx(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
