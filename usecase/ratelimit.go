package usecase

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// RateLimiter throttles lifecycle submissions per user with a token bucket
// of `burst` tokens replenished continuously over `window`.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	clock    clockwork.Clock
}

func NewRateLimiter(burst int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(burst) / window.Seconds()),
		burst:    burst,
		clock:    clock,
	}
}

func (r *RateLimiter) Allow(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[userID]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[userID] = l
	}

	return l.AllowN(r.clock.Now(), 1)
}
