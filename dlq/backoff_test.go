package dlq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryConfig_Delay(t *testing.T) {
	cfg := DefaultRetryConfig()
	cfg.Jitter = false

	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 30 * time.Second},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 5 * time.Minute},
		{10, 5 * time.Minute},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, cfg.Delay(c.retryCount, nil), "retry %d", c.retryCount)
	}
}

func TestRetryConfig_DelayIsMonotonic(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: time.Hour, ExponentialBackoff: true}
	prev := cfg.Delay(0, nil)
	for n := 1; n < 20; n++ {
		d := cfg.Delay(n, nil)
		assert.GreaterOrEqual(t, int64(d), int64(prev), "retry %d", n)
		prev = d
	}
	assert.Equal(t, time.Hour, cfg.Delay(19, nil))
}

func TestRetryConfig_DelayConstant(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Second, MaxDelay: time.Minute}
	assert.Equal(t, 10*time.Second, cfg.Delay(0, nil))
	assert.Equal(t, 10*time.Second, cfg.Delay(5, nil))
}

func TestRetryConfig_Jitter(t *testing.T) {
	cfg := DefaultRetryConfig()
	cases := []struct {
		name   string
		random float64
		want   time.Duration
	}{
		{"lowest", 0, 22500 * time.Millisecond},
		{"middle", 0.5, 30 * time.Second},
		{"high", 0.9, 36 * time.Second},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := cfg.Delay(0, func() float64 { return c.random })
			assert.InDelta(t, float64(c.want), float64(got), float64(time.Millisecond))
		})
	}

	floor := RetryConfig{BaseDelay: 100 * time.Millisecond, Jitter: true}
	assert.Equal(t, MinDelay, floor.Delay(0, func() float64 { return 0 }))
}
