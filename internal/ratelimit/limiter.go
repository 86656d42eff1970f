package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an unused client bucket is kept
const idleAfter = 2 * time.Hour

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages rate limits for multiple clients
type Limiter struct {
	limiters map[string]*bucket
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
	swept    time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerHour: total requests allowed per hour per client (e.g., 100)
// burst: max requests in a burst (e.g., 10)
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Limit(float64(requestsPerHour) / 3600.0)

	return &Limiter{
		limiters: make(map[string]*bucket),
		rate:     r,
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the rate limiter for a client key
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) > idleAfter {
		for k, b := range l.limiters {
			if now.Sub(b.lastSeen) > idleAfter {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}

	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).Allow()
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(key string) float64 {
	return l.GetLimiter(key).Tokens()
}

// Clients returns how many client buckets are tracked
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
