package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/llm"
)

// Turn is one inbound message together with the conversation so far.
type Turn struct {
	Message bus.InboundMessage
	History []llm.Message
}

// Responder produces the reply text for a turn. An empty reply means no
// message is sent.
type Responder interface {
	Respond(ctx context.Context, turn Turn) (string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, turn Turn) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, turn Turn) (string, error) {
	return f(ctx, turn)
}

// Echo replies with the inbound content. Used when no model is configured.
type Echo struct {
	Prefix string
}

func (e Echo) Respond(_ context.Context, turn Turn) (string, error) {
	content := strings.TrimSpace(turn.Message.Content)
	if content == "" {
		return "", nil
	}
	return e.Prefix + content, nil
}

// LLMConfig configures an LLMResponder.
type LLMConfig struct {
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
}

// LLMResponder answers with a chat completion over the session history.
type LLMResponder struct {
	provider llm.Provider
	cfg      LLMConfig
}

// NewLLMResponder creates a responder backed by provider.
func NewLLMResponder(provider llm.Provider, cfg LLMConfig) *LLMResponder {
	return &LLMResponder{provider: provider, cfg: cfg}
}

func (r *LLMResponder) Respond(ctx context.Context, turn Turn) (string, error) {
	msgs := append(slices.Clone(turn.History), llm.Message{Role: llm.RoleUser, Content: turn.Message.Content})
	resp, err := r.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: r.systemPrompt(turn.Message),
		Messages:     msgs,
		MaxTokens:    r.cfg.MaxTokens,
		Temperature:  r.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", r.provider.Name(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (r *LLMResponder) systemPrompt(msg bus.InboundMessage) string {
	var b strings.Builder
	b.WriteString(r.cfg.SystemPrompt)
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Current channel: %s\nCurrent chat: %s", msg.Channel, msg.ChatID)
	return b.String()
}
