package gateway

import (
	"sync"
	"time"
)

// Session is the resumable identity of one platform connection. It is shared
// by the reader and heartbeat goroutines, so every field sits behind mu.
type Session struct {
	mu                sync.Mutex
	sessionID         string
	sequence          *uint64
	heartbeatInterval time.Duration
	running           bool
	lastAck           time.Time

	intervals chan time.Duration // latest interval change, capacity 1
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	SessionID         string
	Sequence          *uint64
	HeartbeatInterval time.Duration
	Running           bool
	LastHeartbeatAck  time.Time
}

// NewSession creates an inactive session.
func NewSession() *Session {
	return &Session{intervals: make(chan time.Duration, 1)}
}

// SessionID returns the platform session id, or "" when none is held.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID stores the id from a successful handshake.
func (s *Session) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
}

// Invalidate clears the session id. Called on an invalid-session
// notification and whenever the connection ends.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
}

// Sequence returns the last observed sequence number, or nil.
func (s *Session) Sequence() *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySeq(s.sequence)
}

// Observe records a sequence number seen on the wire. The stored value never
// decreases while connected.
func (s *Session) Observe(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequence == nil || seq > *s.sequence {
		v := seq
		s.sequence = &v
	}
}

// ResetSequence forgets the sequence number; called on every reconnect.
func (s *Session) ResetSequence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequence = nil
}

// HeartbeatInterval returns the learned interval, or 0 before the first Hello.
func (s *Session) HeartbeatInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatInterval
}

// SetHeartbeatInterval stores a new interval and notifies the heartbeat
// goroutine when it differs from the current one.
func (s *Session) SetHeartbeatInterval(d time.Duration) {
	s.mu.Lock()
	changed := s.heartbeatInterval != d
	s.heartbeatInterval = d
	s.mu.Unlock()

	if !changed {
		return
	}
	// Latest value wins.
	select {
	case <-s.intervals:
	default:
	}
	select {
	case s.intervals <- d:
	default:
	}
}

// IntervalChanges delivers heartbeat interval updates.
func (s *Session) IntervalChanges() <-chan time.Duration {
	return s.intervals
}

// Running reports whether the owning client has been started and not stopped.
// A Reconnector bound to the session stops redialing once it is false.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetRunning flips the liveness flag.
func (s *Session) SetRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = v
}

// Ack records a heartbeat acknowledgement.
func (s *Session) Ack(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAck = at
}

// Snapshot returns a copy of all fields.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionSnapshot{
		SessionID:         s.sessionID,
		Sequence:          copySeq(s.sequence),
		HeartbeatInterval: s.heartbeatInterval,
		Running:           s.running,
		LastHeartbeatAck:  s.lastAck,
	}
}

func copySeq(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
