package memory

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterPruneThreshold = 10000

// RateLimiter is a per-key token bucket: burst requests, refilled evenly over window.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		now:      time.Now,
	}
}

// WithClock is used by tests.
func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	now := l.now()

	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= limiterPruneThreshold {
			l.prune(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, 0, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

// prune drops buckets that have fully refilled; they carry no state.
func (l *RateLimiter) prune(now time.Time) {
	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, k)
		}
	}
}
