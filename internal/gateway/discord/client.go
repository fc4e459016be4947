// Package discord connects the bot to the Discord gateway.
//
// The client keeps one websocket open, answers the Hello handshake with an
// Identify, heartbeats on the learned interval and publishes user messages to
// the bus. Replies go out through the REST API, independent of the socket.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/coder/websocket"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

const (
	// Name is the channel name used on the bus.
	Name = "discord"

	// APIVersion is the gateway protocol version.
	APIVersion = "10"

	// DefaultGatewayURL is used when the REST lookup fails.
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	// MaxMessageLength is Discord's per-message content limit.
	MaxMessageLength = 2000

	readLimit = 8 << 20
)

// DefaultIntents subscribes to guild and direct messages with content (37377).
const DefaultIntents = int(discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsDirectMessages |
	discordgo.IntentsMessageContent)

var (
	errInvalidSession = errors.New("discord: session invalidated")

	leadingMention = regexp.MustCompile(`^\s*<@!?\d+>\s*`)
)

// Config configures the Discord client.
type Config struct {
	Token      string
	Intents    int
	AllowFrom  []string
	AckMessage string // sent back to the chat when a message is accepted; "" = none

	// GatewayURL overrides the endpoint returned by the REST API.
	GatewayURL string

	Reconnect        gateway.ReconnectPolicy
	DialTimeout      time.Duration
	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Intents == 0 {
		c.Intents = DefaultIntents
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Dialer opens a websocket to url.
type Dialer func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDialer(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// Option configures a Client.
type Option func(*Client)

// WithREST replaces the discordgo REST client.
func WithREST(r REST) Option {
	return func(c *Client) { c.rest = r }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// Client is the Discord gateway client. It implements gateway.Client.
type Client struct {
	cfg    Config
	deps   gateway.Deps
	logger *slog.Logger
	rest   REST
	dial   Dialer
	allow  gateway.Allowlist

	session *gateway.Session
	machine *gateway.Machine
	loop    *gateway.Reconnector
	runner  gateway.Runner
	botID   atomic.Value // string
}

// New creates a Discord client. It returns gateway.ErrMissingCredentials
// when no token is configured.
func New(cfg Config, deps gateway.Deps, opts ...Option) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: %w", gateway.ErrMissingCredentials)
	}
	cfg = cfg.withDefaults()
	deps = deps.WithDefaults()

	c := &Client{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("channel", Name)),
		dial:    defaultDialer,
		allow:   gateway.NewAllowlist(cfg.AllowFrom),
		session: gateway.NewSession(),
	}
	c.botID.Store("")
	c.machine = gateway.NewMachine(func(from, to gateway.State) {
		c.logger.Debug("state changed", slog.String("from", from.String()), slog.String("to", to.String()))
		deps.Metrics.ObserveState(Name, to)
	})
	c.loop = gateway.NewReconnector(Name, cfg.Reconnect, c.machine, deps, gateway.WithSession(c.session))
	for _, o := range opts {
		o(c)
	}
	if c.rest == nil {
		rest, err := NewREST(cfg.Token)
		if err != nil {
			return nil, err
		}
		c.rest = rest
	}
	return c, nil
}

func (c *Client) Name() string { return Name }

// Status reports the connection state.
func (c *Client) Status() gateway.Status {
	return gateway.NewStatus(Name, c.machine, c.session, c.loop.Reconnects())
}

// Start runs the connect loop until ctx is canceled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	ctx, end, err := c.runner.Begin(ctx, Name)
	if err != nil {
		return err
	}
	defer end()

	c.session.SetRunning(true)
	c.logger.Info("discord gateway client started")
	c.loop.Run(ctx, c.connect)
	c.session.SetRunning(false)
	c.machine.Set(gateway.StateDisconnected)
	c.logger.Info("discord gateway client stopped")
	return nil
}

// Stop cancels the connect loop and waits for it to exit.
func (c *Client) Stop(ctx context.Context) error {
	c.session.SetRunning(false)
	return c.runner.Stop(ctx)
}

// Send posts msg through the REST API, split to fit Discord's length limit.
// Only the first chunk is sent as a reply.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return errors.New("discord: outbound message has no chat id")
	}
	if msg.Content == "" {
		return nil
	}
	replyTo := msg.ReplyTo
	for _, chunk := range gateway.SplitMessage(msg.Content, MaxMessageLength) {
		if err := c.rest.SendMessage(ctx, msg.ChatID, chunk, replyTo); err != nil {
			return err
		}
		replyTo = ""
	}
	return nil
}

func (c *Client) gatewayURL(ctx context.Context) string {
	if c.cfg.GatewayURL != "" {
		return c.cfg.GatewayURL
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	u, err := c.rest.GatewayURL(ctx)
	if err != nil {
		c.logger.Warn("gateway url lookup failed, using default", slog.String("error", err.Error()))
		return DefaultGatewayURL
	}
	return u
}

// connect runs one connection from dial to teardown. It always returns a
// non-nil error describing why the connection ended.
func (c *Client) connect(ctx context.Context) error {
	url := c.gatewayURL(ctx)

	dialCtx, cancelDial := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, err := c.dial(dialCtx, url)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	conn.SetReadLimit(readLimit)
	defer conn.CloseNow()

	c.session.ResetSequence()
	c.session.SetHeartbeatInterval(0)
	c.machine.Set(gateway.StateAwaitingHello)
	c.logger.Debug("gateway socket open", slog.String("url", url))

	connCtx, cancelConn := context.WithCancelCause(ctx)
	w := gateway.NewWriter()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.Run(connCtx, func(ctx context.Context, data []byte) error {
			return conn.Write(ctx, websocket.MessageText, data)
		})
	}()
	go func() {
		defer wg.Done()
		if err := c.heartbeat(connCtx, sendFrame(w)); err != nil {
			cancelConn(fmt.Errorf("heartbeat: %w", err))
		}
	}()
	defer func() {
		cancelConn(nil)
		wg.Wait()
	}()

	err = c.readLoop(connCtx, conn, w)
	if cause := context.Cause(connCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, w *gateway.Writer) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid gateway frame", slog.String("error", err.Error()))
			continue
		}
		if err := c.handleFrame(ctx, w, f); err != nil {
			return err
		}
	}
}

// handleFrame applies one frame to the session. A non-nil error ends the connection.
func (c *Client) handleFrame(ctx context.Context, w *gateway.Writer, f Frame) error {
	if f.Seq != nil {
		c.session.Observe(*f.Seq)
	}

	switch f.Op {
	case OpHello:
		var h Hello
		if err := f.Decode(&h); err != nil {
			return fmt.Errorf("decoding hello: %w", err)
		}
		if h.HeartbeatInterval == 0 {
			return errors.New("hello without heartbeat interval")
		}
		c.session.SetHeartbeatInterval(time.Duration(h.HeartbeatInterval) * time.Millisecond)
		if c.machine.Current() != gateway.StateAwaitingHello {
			return nil
		}
		c.machine.Set(gateway.StateIdentifying)
		return c.identify(ctx, w)

	case OpHeartbeat:
		return c.beat(ctx, sendFrame(w))

	case OpHeartbeatAck:
		c.session.Ack(time.Now())
		c.deps.Metrics.HeartbeatAck(Name)
		c.deps.Liveness.Beat(Name)

	case OpReconnect:
		return gateway.ErrReconnectRequested

	case OpInvalidSession:
		c.session.Invalidate()
		return errInvalidSession

	case OpDispatch:
		return c.handleDispatch(f)

	default:
		c.logger.Debug("unhandled gateway opcode", slog.String("op", f.Op.String()))
	}
	return nil
}

func (c *Client) identify(ctx context.Context, w *gateway.Writer) error {
	f, err := NewFrame(OpIdentify, Identify{
		Token: c.cfg.Token,
		Properties: IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "relay",
			Device:  "relay",
		},
		Intents: c.cfg.Intents,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := w.SendJSON(ctx, f); err != nil {
		return fmt.Errorf("identify: %w", err)
	}
	c.logger.Debug("identify sent", slog.Int("intents", c.cfg.Intents))
	return nil
}

func (c *Client) handleDispatch(f Frame) error {
	switch f.Type {
	case EventReady:
		var r Ready
		if err := f.Decode(&r); err != nil {
			return fmt.Errorf("decoding ready: %w", err)
		}
		c.session.SetSessionID(r.SessionID)
		c.botID.Store(r.User.ID)
		c.loop.Connected("")
		c.logger.Info("discord gateway ready",
			slog.String("session_id", r.SessionID),
			slog.String("bot", r.User.Username),
		)

	case EventResumed:
		c.logger.Info("discord session resumed")

	case EventInvalidSession:
		c.session.Invalidate()
		return errInvalidSession

	case EventMessageCreate:
		var m MessageCreate
		if err := f.Decode(&m); err != nil {
			c.logger.Warn("invalid message payload", slog.String("error", err.Error()))
			return nil
		}
		c.handleMessage(m)

	default:
		c.logger.Debug("discord event", slog.String("type", f.Type))
	}
	return nil
}

func (c *Client) handleMessage(m MessageCreate) {
	if m.Author.Bot || m.Author.ID == c.botID.Load().(string) {
		return
	}
	if !c.allow.Allowed(m.Author.ID, m.Author.Username) {
		c.deps.Denied(Name, m.Author.ID)
		return
	}

	msg := bus.NewInbound(Name, m.Author.ID, m.ChannelID, stripMention(m.Content))
	for _, a := range m.Attachments {
		msg.Media = append(msg.Media, a.URL)
	}
	msg.Metadata["message_id"] = m.ID
	msg.Metadata["username"] = m.Author.Username
	if m.GuildID != "" {
		msg.Metadata["guild_id"] = m.GuildID
	}

	if c.deps.PublishInbound(msg, m.ID) == gateway.InboundPublished && c.cfg.AckMessage != "" {
		ack := bus.NewOutbound(Name, m.ChannelID, c.cfg.AckMessage)
		ack.ReplyTo = m.ID
		c.deps.Bus.PublishOutbound(ack)
	}
}

// sendFrame adapts w to the heartbeat loop.
func sendFrame(w *gateway.Writer) func(context.Context, Frame) error {
	return func(ctx context.Context, f Frame) error { return w.SendJSON(ctx, f) }
}

// stripMention removes a leading <@id> or <@!id> mention.
func stripMention(s string) string {
	return leadingMention.ReplaceAllString(s, "")
}
