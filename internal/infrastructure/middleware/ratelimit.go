package middleware

import (
	"sync"

	gwerrors "github.com/toolgw/gateway/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 5.0
	defaultBurst         = 10
)

// RateLimit enforces a token bucket per (endpoint, client) pair, refilling
// continuously at ratePerSecond with burst capacity headroom (spec.md
// §4.2). acquire() never blocks — it either takes a token or fails fast.
type RateLimit struct {
	ratePerSecond float64
	burst         int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimit builds a RateLimit primitive. Zero values take the spec
// defaults (5/s, burst 10).
func NewRateLimit(ratePerSecond float64, burst int) *RateLimit {
	if ratePerSecond <= 0 {
		ratePerSecond = defaultRatePerSecond
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &RateLimit{ratePerSecond: ratePerSecond, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (r *RateLimit) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.ratePerSecond), r.burst)
		r.limiters[key] = l
	}
	return l
}

// Acquire removes one token for (endpoint, clientID), or fails immediately
// with RateLimitExceeded if the bucket is empty.
func (r *RateLimit) Acquire(endpoint, clientID string) error {
	key := endpoint + "|" + clientID
	if !r.limiterFor(key).Allow() {
		return gwerrors.New(gwerrors.KindRateLimit, "rate limit exceeded for "+key)
	}
	return nil
}
