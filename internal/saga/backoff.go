package saga

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffDelay computes the sleep before the attempt following `attempt`
// failed calls: min(MaxDelay, BaseDelay*Multiplier^attempt) adjusted by
// ± Jitter uniform noise, floored at zero. rnd must return a value in
// [0, 1); pass nil for the default source.
func BackoffDelay(policy RetryPolicy, attempt int, rnd func() float64) time.Duration {
	if rnd == nil {
		rnd = rand.Float64
	}
	if attempt < 0 {
		attempt = 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(policy.BaseDelay) * math.Pow(multiplier, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if policy.Jitter > 0 {
		noise := policy.Jitter * delay * (2*rnd() - 1)
		delay += noise
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
