package layers

import (
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Shared holds admission state that outlives a single pipeline, so that
// the pipeline built on reload keeps counting against the same slots and
// tokens as the one it replaces. The zero value is ready to use.
type Shared struct {
	mu      sync.Mutex
	limit   int64
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

// slots returns the semaphore for limit. It is reused while limit is
// unchanged; a new limit starts with every slot free.
func (s *Shared) slots(limit int64) *semaphore.Weighted {
	if s == nil {
		return semaphore.NewWeighted(limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sem == nil || s.limit != limit {
		s.sem = semaphore.NewWeighted(limit)
		s.limit = limit
	}
	return s.sem
}

// rateLimiter returns the token bucket, retuned to rps and burst. Tokens
// already taken stay taken.
func (s *Shared) rateLimiter(rps float64, burst int) *rate.Limiter {
	if s == nil {
		return rate.NewLimiter(rate.Limit(rps), burst)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return s.limiter
	}
	s.limiter.SetLimit(rate.Limit(rps))
	s.limiter.SetBurst(burst)
	return s.limiter
}
