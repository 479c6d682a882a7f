package mcphub

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the reconnect delay schedule for unhealthy backends.
// The attempt budget itself lives in Options.MaxReconnectAttempts.
type BackoffConfig struct {
	// InitialInterval is the delay before the first reconnect attempt.
	InitialInterval time.Duration
	// MaxInterval caps the grown delay.
	MaxInterval time.Duration
	// Multiplier grows the delay between consecutive attempts.
	Multiplier float64
	// Jitter randomizes each delay within [delay/2, delay) so simultaneously
	// failing backends do not reconnect in lockstep. Draws stay monotonic
	// only while the base is below MaxInterval; once capped, consecutive
	// draws share one window and may shrink.
	Jitter bool
}

// DefaultBackoffConfig returns the reconnect schedule used when Options does
// not provide one: 1s doubling up to 60s, with jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	def := DefaultBackoffConfig()
	if c == (BackoffConfig{}) {
		return def
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxInterval < c.InitialInterval {
		c.MaxInterval = c.InitialInterval
	}
	if c.Multiplier < 1 {
		c.Multiplier = def.Multiplier
	}
	return c
}

// exponentialBackoff returns the delay schedule as a function of the 1-based
// attempt number. With jitter disabled the schedule is strictly
// non-decreasing; with jitter enabled each delay stays within [d/2, d) of its
// base d, which keeps consecutive ranges non-overlapping while the base is
// still growing.
func exponentialBackoff(config BackoffConfig) func(int) time.Duration {
	config = config.normalized()
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))
		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)

		if config.Jitter {
			if half := duration / 2; half > 0 {
				duration = half + time.Duration(rand.Int63n(int64(half)))
			}
		}

		return duration
	}
}
