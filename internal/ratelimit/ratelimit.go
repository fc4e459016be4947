// Package ratelimit implements keyed token bucket rate limiting.
// Each key (a sender, a channel) gets an independent golang.org/x/time/rate
// limiter, created lazily on first use. Thread-safe.
package ratelimit

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// Limiter is a per-key token bucket rate limiter.
// One key cannot exhaust another key's quota.
type Limiter struct {
	limit rate.Limit
	burst int

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewLimiter creates a rate limiter. With RequestsPerMinute 0 every call succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		keys:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) unlimited() bool {
	return l == nil || l.limit <= 0
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.keys[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.keys[key] = lim
	}
	return lim
}

// Allow consumes one token for key, or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if l.unlimited() {
		return nil
	}
	if !l.get(key).Allow() {
		return ErrRateLimited
	}
	return nil
}

// Wait blocks until key has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.unlimited() {
		return nil
	}
	return l.get(key).Wait(ctx)
}
