package gateway

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Reconnect delay bounds.
const (
	InitialReconnectDelay = 1 * time.Second
	MaxReconnectDelay     = 60 * time.Second
)

// ReconnectPolicy computes the wait before the next connection attempt.
// The zero value uses InitialReconnectDelay and MaxReconnectDelay without jitter.
type ReconnectPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // Fraction of the delay added at random, e.g. 0.1. 0 = none.
}

// DefaultReconnectPolicy returns the 1s..60s doubling policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Initial: InitialReconnectDelay, Max: MaxReconnectDelay}
}

// InitialDelay is the delay after the first failure and after any reset.
func (p ReconnectPolicy) InitialDelay() time.Duration {
	if p.Initial > 0 {
		return p.Initial
	}
	return InitialReconnectDelay
}

func (p ReconnectPolicy) max() time.Duration {
	if p.Max > 0 {
		return p.Max
	}
	return MaxReconnectDelay
}

// NextDelay returns min(prev*2, max). A non-positive prev yields InitialDelay.
func (p ReconnectPolicy) NextDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return p.InitialDelay()
	}
	next := prev * 2
	if next > p.max() || next < prev {
		next = p.max()
	}
	return next
}

func (p ReconnectPolicy) jitter(d time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.Jitter*float64(d))
}

// Backoff carries the current delay across consecutive failures.
// Safe for concurrent use.
type Backoff struct {
	policy ReconnectPolicy

	mu       sync.Mutex
	current  time.Duration // delay to use on the next failure; 0 = initial
	failures int
}

// NewBackoff creates a Backoff driven by policy.
func NewBackoff(policy ReconnectPolicy) *Backoff {
	return &Backoff{policy: policy}
}

// Failure returns the delay to wait after this failure and advances the schedule.
func (b *Backoff) Failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.current
	if d <= 0 {
		d = b.policy.InitialDelay()
	}
	b.current = b.policy.NextDelay(d)
	b.failures++
	return b.policy.jitter(d)
}

// Success resets the schedule so the next failure waits InitialDelay again.
func (b *Backoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = 0
	b.failures = 0
}

// Failures returns the number of consecutive failures since the last success.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Sleep waits for d or until ctx is done. Returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
