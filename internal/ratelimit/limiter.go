// Package ratelimit throttles /chat per client.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client key
type Limiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
// requestsPerHour: sustained requests allowed per hour per client; zero or
// less disables limiting.
// burst: max requests in a burst.
func NewLimiter(requestsPerHour int, burst int) *Limiter {
	r := rate.Inf
	if requestsPerHour > 0 {
		r = rate.Limit(float64(requestsPerHour) / 3600.0)
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether any limit applies
func (l *Limiter) Enabled() bool {
	return l.rate != rate.Inf
}

// GetLimiter returns the bucket for a client, creating it on first use
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[key]
	if !exists {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = l.now()
	return c.limiter
}

// Allow checks if a request is allowed for the given client
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.GetLimiter(key).AllowN(l.now(), 1)
}

// RetryAfter returns how long the client must wait for its next token
func (l *Limiter) RetryAfter(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	r := l.GetLimiter(key).ReserveN(l.now(), 1)
	defer r.CancelAt(l.now())
	return r.DelayFrom(l.now())
}

// Tokens returns the current number of available tokens for a client
func (l *Limiter) Tokens(key string) float64 {
	return l.GetLimiter(key).TokensAt(l.now())
}

// Prune forgets clients not seen for idle and returns how many were removed
func (l *Limiter) Prune(idle time.Duration) int {
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, key)
			removed++
		}
	}
	return removed
}
