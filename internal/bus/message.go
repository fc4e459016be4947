package bus

import (
	"time"

	"github.com/google/uuid"
)

// InboundMessage is a user-authored message received from a chat channel
// (or synthesized by the scheduler). It is never mutated after publication.
type InboundMessage struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewInbound builds an InboundMessage stamped with a fresh ID and the current time.
func NewInbound(channel, senderID, chatID, content string) InboundMessage {
	return InboundMessage{
		ID:        uuid.NewString(),
		Channel:   channel,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]string{},
	}
}

// SessionKey identifies the conversation this message belongs to ("channel:chat_id").
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply (or tool-initiated message) to be delivered by
// the channel client whose name matches Channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	ReplyTo  string            `json:"reply_to,omitempty"`
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewOutbound builds an OutboundMessage.
func NewOutbound(channel, chatID, content string) OutboundMessage {
	return OutboundMessage{
		Channel:  channel,
		ChatID:   chatID,
		Content:  content,
		Metadata: map[string]string{},
	}
}

// SessionKey identifies the conversation this message targets.
func (m OutboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// EventKind tags a lifecycle Event.
type EventKind string

const (
	EventConnect    EventKind = "connect"
	EventDisconnect EventKind = "disconnect"
	EventError      EventKind = "error"
)

// Event is a connection lifecycle notification. Used for observability only.
type Event struct {
	Kind    EventKind `json:"kind"`
	Channel string    `json:"channel"`
	ChatID  string    `json:"chat_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// ConnectEvent reports that a channel connection became ready.
func ConnectEvent(channel, chatID string) Event {
	return Event{Kind: EventConnect, Channel: channel, ChatID: chatID, Time: time.Now().UTC()}
}

// DisconnectEvent reports that a channel connection was torn down.
func DisconnectEvent(channel, chatID string) Event {
	return Event{Kind: EventDisconnect, Channel: channel, ChatID: chatID, Time: time.Now().UTC()}
}

// ErrorEvent reports a non-fatal channel failure.
func ErrorEvent(channel string, err error) Event {
	e := Event{Kind: EventError, Channel: channel, Time: time.Now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
