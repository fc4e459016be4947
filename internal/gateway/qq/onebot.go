package qq

import (
	"encoding/json"
	"strconv"
	"strings"
)

// OneBot v11 post types.
const (
	postMessage   = "message"
	postMetaEvent = "meta_event"
)

// Message types, also used as the message_type metadata value.
const (
	MessagePrivate = "private"
	MessageGroup   = "group"
)

// event is any frame pushed on the OneBot event socket. Action responses
// (echo set, no post_type) share the socket.
type event struct {
	PostType      string          `json:"post_type"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
	MessageID     int64           `json:"message_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	RawMessage    string          `json:"raw_message,omitempty"`
	Sender        *sender         `json:"sender,omitempty"`
	Time          int64           `json:"time,omitempty"`

	Echo    string `json:"echo,omitempty"`
	Status  string `json:"status,omitempty"`
	RetCode int    `json:"retcode,omitempty"`
}

type sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
}

// segment is one element of an array-format message.
type segment struct {
	Type string `json:"type"`
	Data struct {
		Text string `json:"text"`
	} `json:"data"`
}

// text returns the plain text of the message. OneBot implementations send
// either a CQ-code string or an array of segments; only text segments count.
func (e event) text() string {
	if len(e.Message) > 0 {
		var s string
		if err := json.Unmarshal(e.Message, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var segs []segment
		if err := json.Unmarshal(e.Message, &segs); err == nil {
			var b strings.Builder
			for _, seg := range segs {
				if seg.Type == "text" {
					b.WriteString(seg.Data.Text)
				}
			}
			return strings.TrimSpace(b.String())
		}
	}
	return strings.TrimSpace(e.RawMessage)
}

// chatID is the group for group messages, else the sender.
func (e event) chatID() string {
	if e.MessageType == MessageGroup && e.GroupID != 0 {
		return strconv.FormatInt(e.GroupID, 10)
	}
	return strconv.FormatInt(e.UserID, 10)
}

// action is a request written to the event socket.
type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo,omitempty"`
}

func heartbeatAction() action {
	return action{Action: "send_packets", Params: map[string]any{}, Echo: "heartbeat"}
}

// apiResponse is the HTTP API reply envelope.
type apiResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Message string `json:"message,omitempty"`
	Wording string `json:"wording,omitempty"`
}
