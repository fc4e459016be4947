package discord

import (
	"encoding/json"
	"fmt"
)

// Opcode identifies a gateway frame kind.
type Opcode int

const (
	OpDispatch       Opcode = 0
	OpHeartbeat      Opcode = 1
	OpIdentify       Opcode = 2
	OpResume         Opcode = 6
	OpReconnect      Opcode = 7
	OpInvalidSession Opcode = 9
	OpHello          Opcode = 10
	OpHeartbeatAck   Opcode = 11
)

func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Dispatch event names handled by the client.
const (
	EventReady          = "READY"
	EventResumed        = "RESUMED"
	EventMessageCreate  = "MESSAGE_CREATE"
	EventInvalidSession = "INVALID_SESSION"
)

// Frame is one gateway message: {op, t, s, d}.
type Frame struct {
	Op   Opcode          `json:"op"`
	Type string          `json:"t,omitempty"`
	Seq  *uint64         `json:"s,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// NewFrame encodes payload as the frame's d field. A nil payload encodes as null.
func NewFrame(op Opcode, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s payload: %w", op, err)
	}
	return Frame{Op: op, Data: data}, nil
}

// Decode unmarshals d into target.
func (f Frame) Decode(target any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Op)
	}
	return json.Unmarshal(f.Data, target)
}

// HeartbeatFrame carries the last sequence number, or null before any dispatch.
func HeartbeatFrame(seq *uint64) Frame {
	f, _ := NewFrame(OpHeartbeat, seq)
	return f
}

// Hello is the d of an op 10 frame.
type Hello struct {
	HeartbeatInterval uint64 `json:"heartbeat_interval"`
}

// Identify is the d of an op 2 frame.
type Identify struct {
	Token      string             `json:"token"`
	Properties IdentifyProperties `json:"properties"`
	Intents    int                `json:"intents"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Ready is the d of the READY dispatch.
type Ready struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
	User             User   `json:"user"`
}

// User is a Discord account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// Attachment is a file attached to a message.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// MessageCreate is the d of the MESSAGE_CREATE dispatch.
type MessageCreate struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id,omitempty"`
	Content     string       `json:"content"`
	Author      User         `json:"author"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}
