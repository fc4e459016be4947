// Package heartbeat tracks channel liveness.
// Clients record a beat whenever their platform proves the link is alive
// (a heartbeat ACK, a received frame, a successful poll). RunStaleChecker
// reports channels whose last beat is older than a threshold.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Monitor records the last beat per channel.
type Monitor struct {
	mu      sync.RWMutex
	beats   map[string]time.Time
	started time.Time
	now     func() time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		beats:   make(map[string]time.Time),
		started: time.Now(),
		now:     time.Now,
	}
}

// Track starts watching name. A channel that never beats goes stale once the
// threshold passes after Track.
func (m *Monitor) Track(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beats[name]; !ok {
		m.beats[name] = m.now()
	}
}

// Beat records that name is alive now.
func (m *Monitor) Beat(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[name] = m.now()
}

// Forget stops watching name.
func (m *Monitor) Forget(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.beats, name)
}

// Last returns the time of the last beat for name.
func (m *Monitor) Last(name string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.beats[name]
	return t, ok
}

// IsAlive reports whether name beat within threshold.
func (m *Monitor) IsAlive(name string, threshold time.Duration) bool {
	t, ok := m.Last(name)
	return ok && m.now().Sub(t) <= threshold
}

// Stale lists tracked channels whose last beat is older than threshold, sorted.
func (m *Monitor) Stale(threshold time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var stale []string
	for name, t := range m.beats {
		if now.Sub(t) > threshold {
			stale = append(stale, name)
		}
	}
	slices.Sort(stale)
	return stale
}

// Uptime is the time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return m.now().Sub(m.started)
}

// Check returns a health check that fails while any channel is stale.
func (m *Monitor) Check(threshold time.Duration) func(context.Context) error {
	return func(context.Context) error {
		if stale := m.Stale(threshold); len(stale) > 0 {
			return fmt.Errorf("stale channels: %v", stale)
		}
		return nil
	}
}

// RunStaleChecker logs stale channels every interval. Blocks until ctx is canceled.
func RunStaleChecker(ctx context.Context, m *Monitor, interval, threshold time.Duration, logger *slog.Logger) {
	logger.Debug("heartbeat stale checker started",
		slog.String("interval", interval.String()),
		slog.String("stale_threshold", threshold.String()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("heartbeat stale checker stopped")
			return
		case <-ticker.C:
			if stale := m.Stale(threshold); len(stale) > 0 {
				logger.WarnContext(ctx, "channels stale",
					slog.Any("channels", stale),
					slog.String("stale_threshold", threshold.String()),
				)
			}
		}
	}
}
