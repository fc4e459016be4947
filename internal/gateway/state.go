package gateway

import (
	"context"
	"sync"
	"time"
)

// State is a connection state of a channel client.
type State int

const (
	StateDisconnected State = iota
	StateDialing
	StateAwaitingHello
	StateIdentifying
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateDialing:
		return "dialing"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Machine tracks the current State and lets callers wait for transitions.
type Machine struct {
	mu      sync.Mutex
	state   State
	since   time.Time
	changed chan struct{} // closed and replaced on every transition
	onSet   func(from, to State)
}

// NewMachine creates a Machine in StateDisconnected. onSet, if non-nil, is
// called after every transition (outside the lock).
func NewMachine(onSet func(from, to State)) *Machine {
	return &Machine{
		state:   StateDisconnected,
		since:   time.Now(),
		changed: make(chan struct{}),
		onSet:   onSet,
	}
}

// Set moves to state s. Setting the current state is a no-op.
func (m *Machine) Set(s State) {
	m.mu.Lock()
	from := m.state
	if from == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.since = time.Now()
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	if m.onSet != nil {
		m.onSet(from, s)
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.since
}

// Wait blocks until the machine is in state s or ctx ends.
func (m *Machine) Wait(ctx context.Context, s State) error {
	for {
		m.mu.Lock()
		if m.state == s {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
