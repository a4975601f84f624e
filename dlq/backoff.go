package dlq

import (
	"math"
	"time"
)

// MinDelay is the floor applied after jitter.
const MinDelay = time.Second

// RetryConfig is the retry policy of a failed job.
type RetryConfig struct {
	MaxRetries         int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	ExponentialBackoff bool
	Jitter             bool
}

// DefaultRetryConfig returns three retries, starting at 30s and capped at
// five minutes, exponential with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         3,
		BaseDelay:          30 * time.Second,
		MaxDelay:           5 * time.Minute,
		ExponentialBackoff: true,
		Jitter:             true,
	}
}

// Delay computes the wait before the retry following retryCount previous
// retries. random must return values in [0, 1); it is only consulted when
// Jitter is on.
//
// Delay = min(BaseDelay * 2^retryCount, MaxDelay) with exponential backoff,
// then a multiplicative jitter of ±25%, floored at MinDelay.
func (c RetryConfig) Delay(retryCount int, random func() float64) time.Duration {
	delay := c.BaseDelay
	if c.ExponentialBackoff {
		exp := float64(c.BaseDelay) * math.Pow(2, float64(retryCount))
		if c.MaxDelay > 0 && exp > float64(c.MaxDelay) {
			exp = float64(c.MaxDelay)
		}
		delay = time.Duration(exp)
	} else if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && random != nil {
		factor := random()*0.5 - 0.25
		delay += time.Duration(factor * float64(delay))
		if delay < MinDelay {
			delay = MinDelay
		}
	}
	return delay
}
