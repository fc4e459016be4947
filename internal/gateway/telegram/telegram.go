// Package telegram implements the Telegram Bot API channel using long
// polling. Polling has no socket or heartbeat: the client is Connected once
// getMe succeeds and drops back to Dialing when a poll fails.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

const (
	// Name is the channel name used on the bus.
	Name = "telegram"

	// MaxMessageLength leaves headroom under Telegram's 4096 limit for the
	// HTML markup added by the formatter.
	MaxMessageLength = 4000

	defaultAPIBase     = "https://api.telegram.org"
	defaultPollTimeout = 30
	maxUpdateSize      = 1 << 20
)

// Config configures the Telegram client.
type Config struct {
	Token       string
	AllowFrom   []string // user ids or usernames; empty allows everyone
	PollTimeout int      // long poll timeout in seconds; 0 = 30
	APIBase     string   // defaults to https://api.telegram.org
	Reconnect   gateway.ReconnectPolicy
	HTTPClient  *http.Client
}

func (c Config) pollTimeout() int {
	if c.PollTimeout > 0 {
		return c.PollTimeout
	}
	return defaultPollTimeout
}

// Client is the Telegram client. It implements gateway.Client.
type Client struct {
	cfg    Config
	deps   gateway.Deps
	logger *slog.Logger
	allow  gateway.Allowlist
	http   *http.Client

	session *gateway.Session
	machine *gateway.Machine
	loop    *gateway.Reconnector
	runner  gateway.Runner

	offset int64
}

// New creates a Telegram client. A bot token is required.
func New(cfg Config, deps gateway.Deps) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token: %w", gateway.ErrMissingCredentials)
	}
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	deps = deps.WithDefaults()

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.pollTimeout()+10) * time.Second}
	}

	c := &Client{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("channel", Name)),
		allow:   gateway.NewAllowlist(cfg.AllowFrom),
		http:    httpClient,
		session: gateway.NewSession(),
	}
	c.machine = gateway.NewMachine(func(_, to gateway.State) {
		deps.Metrics.ObserveState(Name, to)
	})
	c.loop = gateway.NewReconnector(Name, cfg.Reconnect, c.machine, deps, gateway.WithSession(c.session))
	return c, nil
}

func (c *Client) Name() string { return Name }

func (c *Client) Status() gateway.Status {
	return gateway.NewStatus(Name, c.machine, c.session, c.loop.Reconnects())
}

// Start long-polls getUpdates until ctx ends or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	ctx, end, err := c.runner.Begin(ctx, Name)
	if err != nil {
		return err
	}
	defer end()

	c.session.SetRunning(true)
	c.logger.Info("telegram client starting long polling", slog.Int("timeout", c.cfg.pollTimeout()))
	c.loop.Run(ctx, c.poll)
	c.session.SetRunning(false)
	c.machine.Set(gateway.StateDisconnected)
	c.logger.Info("telegram client stopped")
	return nil
}

// Stop ends polling.
func (c *Client) Stop(ctx context.Context) error {
	c.session.SetRunning(false)
	return c.runner.Stop(ctx)
}

// poll verifies the token, then polls until a request fails.
func (c *Client) poll(ctx context.Context) error {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return err
	}
	c.session.SetSessionID(me.Username)
	c.loop.Connected("")
	c.logger.Info("telegram connected", slog.String("bot", me.Username))

	for {
		var updates []Update
		params := map[string]any{
			"offset":          c.offset,
			"timeout":         c.cfg.pollTimeout(),
			"allowed_updates": []string{"message"},
		}
		if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
			return err
		}
		c.deps.Liveness.Beat(Name)

		for _, u := range updates {
			if u.UpdateID >= c.offset {
				c.offset = u.UpdateID + 1
			}
			c.session.Observe(uint64(u.UpdateID))
			if u.Message != nil {
				c.handleMessage(ctx, u.Message)
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, m *Message) {
	if m.From == nil || m.From.IsBot {
		return
	}
	userID := strconv.FormatInt(m.From.ID, 10)
	if !c.allow.Allowed(userID, m.From.Username) {
		c.deps.Denied(Name, userID)
		return
	}

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if strings.HasPrefix(text, "/start") {
		if err := c.Send(ctx, bus.NewOutbound(Name, chatID, "Hi! Send me a message to get started.")); err != nil {
			c.logger.Warn("telegram greeting failed", slog.String("error", err.Error()))
		}
		return
	}

	msg := bus.NewInbound(Name, userID, chatID, text)
	msg.Metadata["message_id"] = strconv.FormatInt(m.MessageID, 10)
	msg.Metadata["chat_type"] = m.Chat.Type
	if m.From.Username != "" {
		msg.Metadata["username"] = m.From.Username
	}
	if m.From.FirstName != "" {
		msg.Metadata["first_name"] = m.From.FirstName
	}
	if len(m.Photo) > 0 {
		msg.Media = append(msg.Media, "telegram:"+m.Photo[len(m.Photo)-1].FileID)
	}
	if m.Document != nil {
		msg.Media = append(msg.Media, "telegram:"+m.Document.FileID)
	}
	if m.Date > 0 {
		msg.Timestamp = time.Unix(m.Date, 0).UTC()
	}
	c.deps.PublishInbound(msg, chatID+":"+msg.Metadata["message_id"])
}

// Send delivers msg with sendMessage. Each chunk is sent as HTML; when
// Telegram rejects the markup the chunk is resent as plain text.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	for i, chunk := range gateway.SplitMessage(msg.Content, MaxMessageLength) {
		params := map[string]any{
			"chat_id":    chatID,
			"text":       markdownToHTML(chunk),
			"parse_mode": "HTML",
		}
		if i == 0 && msg.ReplyTo != "" {
			if id, err := strconv.ParseInt(msg.ReplyTo, 10, 64); err == nil {
				params["reply_parameters"] = map[string]any{"message_id": id, "allow_sending_without_reply": true}
			}
		}
		err := c.call(ctx, "sendMessage", params, nil)
		if apiErr := (*APIError)(nil); errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest {
			delete(params, "parse_mode")
			params["text"] = chunk
			err = c.call(ctx, "sendMessage", params, nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// APIError is a Telegram response with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

// call posts params to a Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: encoding %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/bot"+c.cfg.Token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		// The URL carries the token; report the method only.
		return fmt.Errorf("telegram: %s: request failed: %w", method, unwrapURLError(err))
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpdateSize)).Decode(&result); err != nil {
		return fmt.Errorf("telegram: decoding %s: %w", method, err)
	}
	if !result.OK {
		code := result.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Method: method, Code: code, Description: result.Description}
	}
	if out != nil {
		if err := json.Unmarshal(result.Result, out); err != nil {
			return fmt.Errorf("telegram: decoding %s result: %w", method, err)
		}
	}
	return nil
}
