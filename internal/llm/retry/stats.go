package retry

import (
	"sync/atomic"
	"time"
)

// retryStats provides thread-safe retry metrics using atomic operations.
type retryStats struct {
	totalAttempts           atomic.Int64 // Total attempts across all calls
	successfulRetries       atomic.Int64 // Calls that succeeded after retry
	failedRetries           atomic.Int64 // Calls that failed after all retries
	successfulFirstAttempts atomic.Int64 // Calls that succeeded on first attempt
	maxBackoff              atomic.Int64 // Maximum backoff duration in nanoseconds
}

// Stats holds aggregated metrics for one retry policy.
type Stats struct {
	TotalAttempts           int64         `json:"total_attempts"`
	SuccessfulRetries       int64         `json:"successful_retries"`
	FailedRetries           int64         `json:"failed_retries"`
	SuccessfulFirstAttempts int64         `json:"successful_first_attempts"`
	AverageAttempts         float64       `json:"average_attempts"`
	MaxBackoff              time.Duration `json:"max_backoff"`
}

func (s *retryStats) recordBackoff(backoff time.Duration) {
	backoffNanos := backoff.Nanoseconds()
	for {
		current := s.maxBackoff.Load()
		if backoffNanos <= current {
			return
		}
		if s.maxBackoff.CompareAndSwap(current, backoffNanos) {
			return
		}
	}
}

// Stats returns a snapshot of the policy's retry statistics.
func (p *Policy) Stats() Stats {
	s := p.statsOrNop()
	totalAttempts := s.totalAttempts.Load()
	successfulRetries := s.successfulRetries.Load()
	failedRetries := s.failedRetries.Load()
	firstAttempts := s.successfulFirstAttempts.Load()

	averageAttempts := 1.0
	if calls := firstAttempts + successfulRetries + failedRetries; calls > 0 {
		averageAttempts = float64(totalAttempts) / float64(calls)
	}

	return Stats{
		TotalAttempts:           totalAttempts,
		SuccessfulRetries:       successfulRetries,
		FailedRetries:           failedRetries,
		SuccessfulFirstAttempts: firstAttempts,
		AverageAttempts:         averageAttempts,
		MaxBackoff:              time.Duration(s.maxBackoff.Load()),
	}
}
