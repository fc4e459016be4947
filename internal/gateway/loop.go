package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/relay/internal/bus"
)

// ErrReconnectRequested is returned by a connect function when the platform
// asked for a fresh connection. The Reconnector redials after the initial
// delay without counting a failure.
var ErrReconnectRequested = errors.New("gateway: reconnect requested")

// Reconnector redials a persistent connection until its context ends.
// Dial failures and dropped connections back off per the policy; a
// completed handshake (Connected) resets the schedule.
type Reconnector struct {
	channel string
	policy  ReconnectPolicy
	machine *Machine
	deps    Deps
	backoff *Backoff
	session *Session

	// Sleep waits between attempts. Tests replace it to observe delays.
	Sleep func(context.Context, time.Duration) bool

	reconnects atomic.Int64
}

// ReconnectorOption configures a Reconnector.
type ReconnectorOption func(*Reconnector)

// WithSession ties s to the connection lifecycle: its id and sequence are
// cleared whenever a connection ends, and the loop stops redialing once
// s is no longer running.
func WithSession(s *Session) ReconnectorOption {
	return func(r *Reconnector) { r.session = s }
}

// NewReconnector creates a Reconnector for channel driving m.
func NewReconnector(channel string, policy ReconnectPolicy, m *Machine, deps Deps, opts ...ReconnectorOption) *Reconnector {
	r := &Reconnector{
		channel: channel,
		policy:  policy,
		machine: m,
		deps:    deps.WithDefaults(),
		backoff: NewBackoff(policy),
		Sleep:   Sleep,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connected marks the handshake complete: the machine enters StateConnected,
// the backoff resets and a connect event is published.
func (r *Reconnector) Connected(chatID string) {
	r.machine.Set(StateConnected)
	r.backoff.Success()
	r.deps.Liveness.Beat(r.channel)
	r.deps.Bus.PublishEvent(bus.ConnectEvent(r.channel, chatID))
}

// Failures is the number of consecutive failed attempts.
func (r *Reconnector) Failures() int { return r.backoff.Failures() }

// Reconnects is the total number of reconnect attempts.
func (r *Reconnector) Reconnects() int { return int(r.reconnects.Load()) }

// Run calls connect until ctx ends. connect blocks for the life of one
// connection and returns why it ended.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) {
	logger := r.deps.Logger.With(slog.String("channel", r.channel))
	for {
		r.machine.Set(StateDialing)
		err := connect(ctx)
		r.endSession()
		wasConnected := r.machine.Current() == StateConnected
		if wasConnected {
			r.deps.Bus.PublishEvent(bus.DisconnectEvent(r.channel, ""))
		}
		if ctx.Err() != nil || r.stopped() {
			return
		}
		if err == nil {
			err = errors.New("connection closed")
		}

		var delay time.Duration
		if errors.Is(err, ErrReconnectRequested) {
			r.backoff.Success()
			delay = r.policy.InitialDelay()
		} else {
			delay = r.backoff.Failure()
			r.deps.Bus.PublishEvent(bus.ErrorEvent(r.channel, err))
		}

		r.machine.Set(StateReconnecting)
		r.reconnects.Add(1)
		r.deps.Metrics.Reconnect(r.channel)
		logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.String("delay", delay.String()),
			slog.Int("failures", r.backoff.Failures()),
		)

		if !r.Sleep(ctx, delay) || r.stopped() {
			return
		}
	}
}

// endSession drops the state of a closed connection. Nothing survives into
// the backoff window.
func (r *Reconnector) endSession() {
	if r.session == nil {
		return
	}
	r.session.Invalidate()
	r.session.ResetSequence()
}

func (r *Reconnector) stopped() bool {
	return r.session != nil && !r.session.Running()
}

// Runner guards a client's Start so Stop can cancel it and wait for it.
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Begin registers a running Start. It returns the context Start must use and
// a func to call when Start returns.
func (r *Runner) Begin(ctx context.Context, name string) (context.Context, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return nil, nil, fmt.Errorf("%s: already started", name)
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done

	end := func() {
		cancel()
		r.mu.Lock()
		r.cancel, r.done = nil, nil
		r.mu.Unlock()
		close(done)
	}
	return ctx, end, nil
}

// Stop cancels the running Start, if any, and waits for it or ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
