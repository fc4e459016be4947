// Package whatsapp talks to a WhatsApp bridge process (for example a
// Baileys or whatsmeow sidecar) over a single websocket that carries both
// inbound and outbound messages.
package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

const (
	// Name is the channel name used on the bus.
	Name = "whatsapp"

	// DefaultPingInterval is how often a websocket ping is sent.
	DefaultPingInterval = 30 * time.Second

	// MaxMessageLength splits long replies before they reach the bridge.
	MaxMessageLength = 4096
)

// frame is the bridge wire format in both directions.
type frame struct {
	Type       string `json:"type"`
	Sender     string `json:"sender,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	ChatID     string `json:"chat_id,omitempty"`
	Content    string `json:"content,omitempty"`
	ID         string `json:"id,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

const frameMessage = "message"

// Config configures the bridge client.
type Config struct {
	BridgeURL    string
	AuthToken    string
	AllowFrom    []string
	Reconnect    gateway.ReconnectPolicy
	PingInterval time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Client is the bridge client. It implements gateway.Client.
type Client struct {
	cfg    Config
	deps   gateway.Deps
	logger *slog.Logger
	allow  gateway.Allowlist
	dialer *websocket.Dialer

	session *gateway.Session
	machine *gateway.Machine
	loop    *gateway.Reconnector
	runner  gateway.Runner

	// writer is the live connection's writer, nil while offline.
	writer atomic.Pointer[gateway.Writer]
}

// New creates a WhatsApp bridge client. The bridge URL is required.
func New(cfg Config, deps gateway.Deps) (*Client, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp: bridge url: %w", gateway.ErrMissingCredentials)
	}
	cfg = cfg.withDefaults()
	deps = deps.WithDefaults()

	c := &Client{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("channel", Name)),
		allow:   gateway.NewAllowlist(cfg.AllowFrom),
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
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

// Start keeps the bridge connection open until ctx ends or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	ctx, end, err := c.runner.Begin(ctx, Name)
	if err != nil {
		return err
	}
	defer end()

	c.session.SetRunning(true)
	c.logger.Info("whatsapp bridge client started", slog.String("bridge_url", c.cfg.BridgeURL))
	c.loop.Run(ctx, c.connect)
	c.session.SetRunning(false)
	c.machine.Set(gateway.StateDisconnected)
	c.logger.Info("whatsapp bridge client stopped")
	return nil
}

// Stop ends the connection loop.
func (c *Client) Stop(ctx context.Context) error {
	c.session.SetRunning(false)
	return c.runner.Stop(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	var header http.Header
	if c.cfg.AuthToken != "" {
		header = http.Header{"Authorization": {"Bearer " + c.cfg.AuthToken}}
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.BridgeURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing bridge: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing bridge: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(4 << 20)

	deadline := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		c.session.Ack(time.Now())
		c.deps.Metrics.HeartbeatAck(Name)
		c.deps.Liveness.Beat(Name)
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	c.session.SetHeartbeatInterval(c.cfg.PingInterval)
	c.loop.Connected("")
	c.logger.Info("whatsapp bridge connected")

	connCtx, cancelConn := context.WithCancelCause(ctx)
	w := gateway.NewWriter()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		w.Run(connCtx, func(ctx context.Context, data []byte) error {
			if d, ok := ctx.Deadline(); ok {
				_ = conn.SetWriteDeadline(d)
			}
			return conn.WriteMessage(websocket.TextMessage, data)
		})
	}()
	go func() {
		defer wg.Done()
		if err := c.ping(connCtx, conn); err != nil {
			cancelConn(fmt.Errorf("ping: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		// ReadMessage has no context; closing the socket unblocks it.
		<-connCtx.Done()
		_ = conn.Close()
	}()

	c.writer.Store(w)
	defer func() {
		c.writer.Store(nil)
		cancelConn(nil)
		wg.Wait()
	}()

	err = c.readLoop(conn)
	if cause := context.Cause(connCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return err
}

func (c *Client) ping(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// WriteControl may run concurrently with the writer.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return err
			}
			c.deps.Metrics.HeartbeatSent(Name)
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.deps.Liveness.Beat(Name)

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("invalid bridge frame", slog.String("error", err.Error()))
			continue
		}
		if f.Type == frameMessage {
			c.handleMessage(f)
		}
	}
}

func (c *Client) handleMessage(f frame) {
	if f.Sender == "" {
		return
	}
	if !c.allow.Allowed(f.Sender) {
		c.deps.Denied(Name, f.Sender)
		return
	}
	chatID := f.ChatID
	if chatID == "" {
		chatID = f.Sender
	}

	msg := bus.NewInbound(Name, f.Sender, chatID, f.Content)
	if f.SenderName != "" {
		msg.Metadata["sender_name"] = f.SenderName
	}
	if f.ID != "" {
		msg.Metadata["message_id"] = f.ID
	}
	if f.Timestamp > 0 {
		msg.Timestamp = time.Unix(f.Timestamp, 0).UTC()
	}
	c.deps.PublishInbound(msg, f.ID)
}

// Send writes the message to the bridge socket. It fails with
// gateway.ErrNotConnected while the bridge is unreachable.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	w := c.writer.Load()
	if w == nil {
		return gateway.ErrNotConnected
	}
	for _, chunk := range gateway.SplitMessage(msg.Content, MaxMessageLength) {
		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := w.SendJSON(wctx, frame{Type: frameMessage, ChatID: msg.ChatID, Content: chunk})
		cancel()
		if err != nil {
			if errors.Is(err, gateway.ErrWriterClosed) {
				return gateway.ErrNotConnected
			}
			return fmt.Errorf("whatsapp: send: %w", err)
		}
	}
	return nil
}
