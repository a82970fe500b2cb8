package pipeline

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/pagecapture/internal/capture"
)

// backoff returns the wait before retry number retry+1 of desc. The delay
// doubles from RetryBackoff, is capped at MaxBackoff and is jittered into
// [delay/2, delay). A server hint raises the wait but never past the cap.
// Without a cap the doubling saturates at the largest Duration.
func backoff(desc capture.StrategyDescriptor, retry int, hint time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	ceiling := time.Duration(math.MaxInt64)
	if desc.MaxBackoff > 0 {
		ceiling = desc.MaxBackoff
	}
	delay := desc.RetryBackoff
	for i := 0; i < retry && delay > 0 && delay < ceiling; i++ {
		if delay > ceiling/2 {
			delay = ceiling
			break
		}
		delay *= 2
	}
	if delay > ceiling {
		delay = ceiling
	}
	if delay > 0 {
		half := delay / 2
		delay = half + jitter(delay-half)
	}
	if hint > delay {
		delay = hint
		if desc.MaxBackoff > 0 && delay > desc.MaxBackoff {
			delay = desc.MaxBackoff
		}
	}
	return delay
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

// sleepCtx waits for d or until ctx ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
