package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

// SendMessageRequest is the JSON body for POST /v1/messages.
type SendMessageRequest struct {
	Channel string   `json:"channel"`
	ChatID  string   `json:"chat_id"`
	Content string   `json:"content"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Media   []string `json:"media,omitempty"`
}

// SendMessageResponse acknowledges a queued outbound message.
type SendMessageResponse struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

func (g *Gateway) handleSendMessage(c *okapi.Context) error {
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body", err)
	}
	req.Channel = strings.TrimSpace(req.Channel)
	req.ChatID = strings.TrimSpace(req.ChatID)
	switch {
	case req.Channel == "":
		return c.AbortBadRequest("channel is required")
	case req.ChatID == "":
		return c.AbortBadRequest("chat_id is required")
	case strings.TrimSpace(req.Content) == "" && len(req.Media) == 0:
		return c.AbortBadRequest("content is required")
	}

	if g.gateways != nil && !g.hasChannel(req.Channel) {
		return notFound(c, "unknown channel "+req.Channel)
	}

	msg := bus.NewOutbound(req.Channel, req.ChatID, req.Content)
	msg.ReplyTo = req.ReplyTo
	msg.Media = req.Media
	msg.Metadata["source"] = "api"
	msg.Metadata["api_client"] = c.GetString("client")
	g.bus.PublishOutbound(msg)

	g.logger.Info("api message queued",
		slog.String("client", c.GetString("client")),
		slog.String("channel", req.Channel),
		slog.String("chat_id", req.ChatID),
	)
	return c.JSON(http.StatusAccepted, SendMessageResponse{
		Status:  "queued",
		Channel: req.Channel,
		ChatID:  req.ChatID,
	})
}

func (g *Gateway) hasChannel(name string) bool {
	return slices.ContainsFunc(g.gateways.Statuses(), func(s gateway.Status) bool {
		return s.Channel == name
	})
}

func (g *Gateway) handleGateways(c *okapi.Context) error {
	return c.OK(g.gateways.Statuses())
}

// StreamEvent is the data of every server-sent event on /v1/events.
type StreamEvent struct {
	Topic    string               `json:"topic"`
	Event    *bus.Event           `json:"event,omitempty"`
	Inbound  *bus.InboundMessage  `json:"inbound,omitempty"`
	Outbound *bus.OutboundMessage `json:"outbound,omitempty"`
	Missed   uint64               `json:"missed,omitempty"`
}

// handleEvents streams one bus topic (?topic=events|inbound|outbound,
// default events) until the client disconnects. A lagging stream gets a
// "lagged" event carrying the number of dropped messages.
func (g *Gateway) handleEvents(c *okapi.Context) error {
	topic := c.Request().URL.Query().Get("topic")
	if topic == "" {
		topic = bus.TopicEvents
	}

	ctx := c.Context()
	switch topic {
	case bus.TopicEvents:
		sub := g.bus.SubscribeEvents()
		defer sub.Close()
		return stream(c, topic, func() (StreamEvent, error) {
			evt, err := sub.Recv(ctx)
			return StreamEvent{Topic: topic, Event: &evt}, err
		}, func(se StreamEvent) string { return string(se.Event.Kind) })
	case bus.TopicInbound:
		sub := g.bus.SubscribeInbound()
		defer sub.Close()
		return stream(c, topic, func() (StreamEvent, error) {
			msg, err := sub.Recv(ctx)
			return StreamEvent{Topic: topic, Inbound: &msg}, err
		}, func(StreamEvent) string { return "message" })
	case bus.TopicOutbound:
		sub := g.bus.SubscribeOutbound()
		defer sub.Close()
		return stream(c, topic, func() (StreamEvent, error) {
			msg, err := sub.Recv(ctx)
			return StreamEvent{Topic: topic, Outbound: &msg}, err
		}, func(StreamEvent) string { return "message" })
	default:
		return c.AbortBadRequest("topic must be one of events, inbound, outbound")
	}
}

func stream(c *okapi.Context, topic string, recv func() (StreamEvent, error), name func(StreamEvent) string) error {
	c.SSEvent("ready", StreamEvent{Topic: topic})
	for {
		se, err := recv()
		var lagged *bus.LaggedError
		switch {
		case errors.As(err, &lagged):
			c.SSEvent("lagged", StreamEvent{Topic: topic, Missed: lagged.Missed})
			continue
		case err != nil:
			// Client gone or bus closed.
			return nil
		}
		c.SSEvent(name(se), se)
	}
}
