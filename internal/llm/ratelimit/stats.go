package ratelimit

import (
	"sync/atomic"
	"time"
)

type limiterStats struct {
	admitted  atomic.Int64
	rejected  atomic.Int64
	totalWait atomic.Int64 // nanoseconds
	maxWait   atomic.Int64 // nanoseconds
}

func (s *limiterStats) record(waited time.Duration) {
	s.admitted.Add(1)
	n := waited.Nanoseconds()
	s.totalWait.Add(n)
	for {
		cur := s.maxWait.Load()
		if n <= cur || s.maxWait.CompareAndSwap(cur, n) {
			return
		}
	}
}

// Stats exposes admission metrics for one limiter.
//
// Degraded is true when a configured global window has fallen back to
// local-only spacing after a Redis failure.
type Stats struct {
	Provider      string        `json:"provider"`
	Admitted      int64         `json:"admitted"`
	Rejected      int64         `json:"rejected"`
	TotalWait     time.Duration `json:"total_wait"`
	MaxWait       time.Duration `json:"max_wait"`
	GlobalEnabled bool          `json:"global_enabled"`
	Degraded      bool          `json:"degraded"`
}

// Stats returns a snapshot of the limiter's admission statistics.
func (l *Limiter) Stats() Stats {
	st := Stats{
		Provider:      l.name,
		Admitted:      l.stats.admitted.Load(),
		Rejected:      l.stats.rejected.Load(),
		TotalWait:     time.Duration(l.stats.totalWait.Load()),
		MaxWait:       time.Duration(l.stats.maxWait.Load()),
		GlobalEnabled: l.global != nil,
	}
	if l.global != nil {
		st.Degraded = l.global.Degraded()
	}
	return st
}
