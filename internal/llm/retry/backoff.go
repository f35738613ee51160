package retry

import (
	"math/rand/v2"
	"time"

	"github.com/ahrav/quizjudge/internal/llm/configuration"
)

// BackoffFunc maps a 1-based retry number to the wait before that retry.
type BackoffFunc func(attempt int) time.Duration

// Linear waits attempt*base before each retry: base, 2*base, 3*base...
func Linear(base time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 0 || base <= 0 {
			return 0
		}
		return time.Duration(attempt) * base
	}
}

// Exponential calculates retry delays using exponential backoff capped at max,
// with optional full jitter. Thread-safe using math/rand/v2.
func Exponential(initial, maxInterval time.Duration, multiplier float64, jitter bool) BackoffFunc {
	if multiplier < 1.0 {
		multiplier = 1.0
	}
	return func(attempt int) time.Duration {
		if attempt <= 0 || initial <= 0 {
			return 0
		}

		backoff := initial
		for i := 1; i < attempt; i++ {
			backoff = time.Duration(float64(backoff) * multiplier)
			if maxInterval > 0 && backoff > maxInterval {
				backoff = maxInterval
				break
			}
		}

		if jitter {
			// Full jitter: random between 0 and calculated backoff.
			jitterMs := rand.Int64N(backoff.Milliseconds() + 1) // #nosec G404 -- non-cryptographic jitter is appropriate here
			return time.Duration(jitterMs) * time.Millisecond
		}
		return backoff
	}
}

// FromConfig builds the backoff described by cfg.
func FromConfig(cfg configuration.RetryConfig) BackoffFunc {
	if cfg.Backoff == configuration.BackoffExponential {
		return Exponential(cfg.BaseInterval, cfg.MaxInterval, cfg.Multiplier, cfg.UseJitter)
	}
	return Linear(cfg.BaseInterval)
}
