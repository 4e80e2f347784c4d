package eventbus

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 60 * time.Second
	jitterFraction   = 0.1
)

// BackoffStrategy decides how long to wait before the next delivery attempt.
type BackoffStrategy interface {
	Delay(retryCount int) time.Duration
}

// CalculateBackoffDelay returns min(base*2^retryCount, max), optionally
// perturbed by up to ±10% and floored to whole milliseconds.
func CalculateBackoffDelay(retryCount int, baseDelay, maxDelay time.Duration, jitter bool) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}

	delay := maxDelay
	if retryCount < 63 {
		scaled := baseDelay << uint(retryCount)
		// Shifting back detects overflow.
		if scaled > 0 && scaled>>uint(retryCount) == baseDelay && scaled < maxDelay {
			delay = scaled
		}
	}

	if jitter {
		delta := float64(delay) * jitterFraction * (rand.Float64()*2 - 1)
		delay += time.Duration(delta)
		if delay < 0 {
			delay = 0
		}
	}

	return delay.Truncate(time.Millisecond)
}

// Delay implements BackoffStrategy.
// A non-exponential policy waits the base delay every time.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if !p.Exponential {
		retryCount = 0
	}
	return CalculateBackoffDelay(retryCount, p.Backoff, p.MaxBackoff, p.Jitter)
}

// FixedBackoff waits the same duration before every attempt.
type FixedBackoff time.Duration

func (f FixedBackoff) Delay(int) time.Duration {
	return time.Duration(f)
}
