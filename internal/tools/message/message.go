// Package message implements the message tool, which sends a chat message
// to a channel through the bus.
package message

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/tools"
)

// Name is the tool name.
const Name = "message"

// Tool publishes outbound messages.
type Tool struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// New creates a message tool.
func New(b *bus.Bus, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tool{bus: b, logger: logger}
}

func (t *Tool) Name() string { return Name }

func (t *Tool) Description() string {
	return "Send a message to a user on a chat channel. Channel and chat_id default to the current conversation."
}

func (t *Tool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The message content to send",
			},
			"channel": map[string]any{
				"type":        "string",
				"description": "Optional: target channel (discord, telegram, qq, whatsapp)",
			},
			"chat_id": map[string]any{
				"type":        "string",
				"description": "Optional: target chat or user id",
			},
		},
		"required": []string{"content"},
	}
}

func (t *Tool) Validate(params map[string]any) error {
	if _, err := tools.RequireString(params, "content"); err != nil {
		return err
	}
	if _, err := tools.OptionalString(params, "channel"); err != nil {
		return err
	}
	_, err := tools.OptionalString(params, "chat_id")
	return err
}

func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	content, _ := tools.RequireString(params, "content")
	channel, _ := tools.OptionalString(params, "channel")
	chatID, _ := tools.OptionalString(params, "chat_id")

	target := tools.TargetFromContext(ctx)
	if channel == "" {
		channel = target.Channel
	}
	if chatID == "" {
		chatID = target.ChatID
	}
	if channel == "" {
		return nil, fmt.Errorf("no target channel specified")
	}
	if chatID == "" {
		return nil, fmt.Errorf("no target chat_id specified")
	}

	t.bus.PublishOutbound(bus.NewOutbound(channel, chatID, content))
	t.logger.InfoContext(ctx, "message sent by tool",
		slog.String("channel", channel),
		slog.String("chat_id", chatID),
		slog.Int("length", len(content)),
	)

	return &tools.Result{
		Output:  fmt.Sprintf("Message sent to %s:%s", channel, chatID),
		Success: true,
		Metadata: map[string]any{
			"channel": channel,
			"chat_id": chatID,
		},
	}, nil
}
