package permission

import (
	"sync"
	"time"

	"crudgate/internal/config"

	"golang.org/x/time/rate"
)

// AnonymousCaller is the bucket key for requests without a caller id.
const AnonymousCaller = "anonymous"

// RateLimiter keeps one token bucket per caller. Buckets idle for longer
// than the eviction window are dropped on the next sweep.
type RateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu        sync.Mutex
	callers   map[string]*callerBucket
	lastSweep time.Time
	now       func() time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from configuration. RequestsPerMinute
// of zero disables limiting and returns nil, which allows everything.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   burst,
		idle:    cfg.GetIdleEviction(),
		callers: make(map[string]*callerBucket),
		now:     time.Now,
	}
}

// Allow consumes one token from caller's bucket.
func (r *RateLimiter) Allow(caller string) bool {
	if r == nil {
		return true
	}
	if caller == "" {
		caller = AnonymousCaller
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweepLocked(now)

	b, ok := r.callers[caller]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.callers[caller] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Callers returns the number of tracked buckets.
func (r *RateLimiter) Callers() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.callers)
}

func (r *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.lastSweep) < r.idle/2 {
		return
	}
	r.lastSweep = now
	for k, b := range r.callers {
		if now.Sub(b.lastSeen) > r.idle {
			delete(r.callers, k)
		}
	}
}
