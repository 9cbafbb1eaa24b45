package recovery

import (
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// jitterPercent spreads retry delays over 0.85x..1.15x of the nominal value.
const jitterPercent = 15

// BackoffDelay returns base * multiplier^attempt capped at max, without
// jitter. attempt is zero-based.
func BackoffDelay(base time.Duration, multiplier float64, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}
	if attempt < 0 {
		attempt = 0
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// exponential is a go-retry Backoff growing by an arbitrary multiplier;
// retry.NewExponential is fixed at a factor of two. The nominal value is
// pre-capped so the jitter step cannot overflow.
func exponential(base time.Duration, multiplier float64, max time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := BackoffDelay(base, multiplier, attempt, max)
		attempt++
		return d, false
	})
}

// newBackoff composes the retry schedule: exponential growth, +/-15%
// jitter, capped at maxDelay and limited to maxRetries waits.
func newBackoff(base, maxDelay time.Duration, multiplier float64, maxRetries int) retry.Backoff {
	b := exponential(base, multiplier, maxDelay)
	b = retry.WithJitterPercent(jitterPercent, b)
	if maxDelay > 0 {
		b = retry.WithCappedDuration(maxDelay, b)
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retry.WithMaxRetries(uint64(maxRetries), b)
}
