package agent

import (
	"sync"

	"github.com/jkaninda/relay/internal/llm"
)

// DefaultHistorySize is the number of messages kept per session.
const DefaultHistorySize = 20

// History keeps the most recent messages of each conversation in memory,
// keyed by session key ("channel:chat_id"). History is lost on restart.
type History struct {
	mu       sync.RWMutex
	max      int
	sessions map[string][]llm.Message
}

// NewHistory creates a History keeping at most max messages per session.
func NewHistory(max int) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{max: max, sessions: make(map[string][]llm.Message)}
}

// Load returns a copy of the session's messages, oldest first.
func (h *History) Load(key string) []llm.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.sessions[key]
	cp := make([]llm.Message, len(msgs))
	copy(cp, msgs)
	return cp
}

// Append adds messages to the session, dropping the oldest beyond the limit.
func (h *History) Append(key string, msgs ...llm.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist := append(h.sessions[key], msgs...)
	if len(hist) > h.max {
		hist = append([]llm.Message(nil), hist[len(hist)-h.max:]...)
	}
	h.sessions[key] = hist
}

// Reset forgets a session.
func (h *History) Reset(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, key)
}

// Sessions is the number of sessions with history.
func (h *History) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
