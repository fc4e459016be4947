package discord

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bwmarrin/discordgo"
)

// REST is the part of the Discord HTTP API the client needs.
type REST interface {
	// GatewayURL asks Discord which websocket endpoint to connect to.
	GatewayURL(ctx context.Context) (string, error)
	// SendMessage posts content to a channel, optionally as a reply.
	SendMessage(ctx context.Context, channelID, content, replyTo string) error
}

type restClient struct {
	session *discordgo.Session
}

// NewREST creates a discordgo backed REST client authenticated as a bot.
// The session is only used for HTTP calls; its own gateway is never opened.
func NewREST(token string) (REST, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &restClient{session: s}, nil
}

func (r *restClient) GatewayURL(ctx context.Context) (string, error) {
	resp, err := r.session.GatewayBot(discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("fetching gateway url: %w", err)
	}
	if resp.URL == "" {
		return "", fmt.Errorf("fetching gateway url: empty response")
	}
	return withGatewayQuery(resp.URL), nil
}

func (r *restClient) SendMessage(ctx context.Context, channelID, content, replyTo string) error {
	var err error
	if replyTo != "" {
		ref := &discordgo.MessageReference{MessageID: replyTo, ChannelID: channelID}
		_, err = r.session.ChannelMessageSendReply(channelID, content, ref, discordgo.WithContext(ctx))
	} else {
		_, err = r.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("sending discord message: %w", err)
	}
	return nil
}

// withGatewayQuery pins the API version and encoding on a gateway URL.
func withGatewayQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get("v") == "" {
		q.Set("v", APIVersion)
	}
	if q.Get("encoding") == "" {
		q.Set("encoding", "json")
	}
	u.RawQuery = q.Encode()
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
