// Package gateway defines the chat channel client contract and the pieces
// every channel shares: the connection state machine, the resumable session,
// the reconnect policy and the Manager that supervises clients and routes
// outbound messages to them.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/relay/internal/bus"
)

var (
	// ErrMissingCredentials is returned by client constructors when the
	// channel cannot start without a token or endpoint.
	ErrMissingCredentials = errors.New("gateway: missing credentials")

	// ErrNotConnected is returned by Send on socket-bound channels while offline.
	ErrNotConnected = errors.New("gateway: not connected")
)

// Client is one chat platform connection (Discord, QQ, Telegram, ...).
type Client interface {
	// Name is the channel name used in bus messages, e.g. "discord".
	Name() string

	// Start runs the connection loop and blocks until ctx is canceled or Stop
	// is called. Transient failures are retried internally; Start returns an
	// error only when the client cannot run at all.
	Start(ctx context.Context) error

	// Stop requests shutdown and waits for Start to return or ctx to expire.
	Stop(ctx context.Context) error

	// Send delivers one outbound message through the platform's send API.
	// Failures do not affect the connection state.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// Status reports the connection state for the admin API.
	Status() Status
}

// Status is a client's externally visible connection state.
type Status struct {
	Channel             string    `json:"channel"`
	State               string    `json:"state"`
	StateSince          time.Time `json:"state_since"`
	SessionID           string    `json:"session_id,omitempty"`
	Sequence            *uint64   `json:"sequence,omitempty"`
	HeartbeatIntervalMS int64     `json:"heartbeat_interval_ms,omitempty"`
	LastHeartbeatAck    time.Time `json:"last_heartbeat_ack,omitzero"`
	Reconnects          int       `json:"reconnects"`
}

// NewStatus assembles a Status from the shared building blocks.
func NewStatus(channel string, m *Machine, s *Session, reconnects int) Status {
	snap := s.Snapshot()
	return Status{
		Channel:             channel,
		State:               m.Current().String(),
		StateSince:          m.Since(),
		SessionID:           snap.SessionID,
		Sequence:            snap.Sequence,
		HeartbeatIntervalMS: snap.HeartbeatInterval.Milliseconds(),
		LastHeartbeatAck:    snap.LastHeartbeatAck,
		Reconnects:          reconnects,
	}
}
