package governance

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerLimiter keeps one token bucket per caller.
type callerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	callers map[string]*rate.Limiter
}

func newCallerLimiter(limit rate.Limit, burst int) *callerLimiter {
	if burst < 1 {
		burst = 1
	}
	return &callerLimiter{
		limit:   limit,
		burst:   burst,
		callers: make(map[string]*rate.Limiter),
	}
}

func (l *callerLimiter) allow(caller string, now time.Time) bool {
	l.mu.Lock()
	lim, ok := l.callers[caller]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.callers[caller] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}
