// Package qq connects to a OneBot v11 implementation (go-cqhttp, NapCat,
// Lagrange). Events arrive on a forward websocket; replies go out through
// the OneBot HTTP API.
package qq

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
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

const (
	// Name is the channel name used on the bus.
	Name = "qq"

	// DefaultHeartbeatInterval is how often the keep-alive action is sent.
	DefaultHeartbeatInterval = 30 * time.Second

	// MaxMessageLength splits long replies; OneBot has no hard limit.
	MaxMessageLength = 4500
)

// Config configures the QQ client.
type Config struct {
	EventURL    string // ws://host:port of the OneBot forward websocket
	APIURL      string // http://host:port of the OneBot HTTP API
	AccessToken string
	AllowFrom   []string

	Reconnect         gateway.ReconnectPolicy
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	HTTPClient        *http.Client
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	return c
}

// Client is the OneBot client. It implements gateway.Client.
type Client struct {
	cfg    Config
	deps   gateway.Deps
	logger *slog.Logger
	allow  gateway.Allowlist

	session *gateway.Session
	machine *gateway.Machine
	loop    *gateway.Reconnector
	runner  gateway.Runner
}

// New creates a QQ client. The event websocket URL is required.
func New(cfg Config, deps gateway.Deps) (*Client, error) {
	if cfg.EventURL == "" {
		return nil, fmt.Errorf("qq: event url: %w", gateway.ErrMissingCredentials)
	}
	cfg = cfg.withDefaults()
	deps = deps.WithDefaults()

	c := &Client{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("channel", Name)),
		allow:   gateway.NewAllowlist(cfg.AllowFrom),
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

// Start connects to the event socket and keeps it open until ctx ends.
func (c *Client) Start(ctx context.Context) error {
	ctx, end, err := c.runner.Begin(ctx, Name)
	if err != nil {
		return err
	}
	defer end()

	c.session.SetRunning(true)
	c.logger.Info("onebot client started", slog.String("event_url", c.cfg.EventURL))
	c.loop.Run(ctx, c.connect)
	c.session.SetRunning(false)
	c.machine.Set(gateway.StateDisconnected)
	c.logger.Info("onebot client stopped")
	return nil
}

// Stop ends the connection loop.
func (c *Client) Stop(ctx context.Context) error {
	c.session.SetRunning(false)
	return c.runner.Stop(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if c.cfg.AccessToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.AccessToken}}
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.EventURL, opts)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing onebot: %w", err)
	}
	conn.SetReadLimit(4 << 20)
	defer conn.CloseNow()

	// OneBot has no handshake: an open socket is a live session.
	c.session.ResetSequence()
	c.session.SetHeartbeatInterval(c.cfg.HeartbeatInterval)
	c.loop.Connected("")
	c.logger.Info("onebot connected")

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
		if err := c.keepAlive(connCtx, w); err != nil {
			cancelConn(fmt.Errorf("heartbeat: %w", err))
		}
	}()
	defer func() {
		cancelConn(nil)
		wg.Wait()
	}()

	err = c.readLoop(connCtx, conn)
	if cause := context.Cause(connCtx); cause != nil && ctx.Err() == nil && !errors.Is(cause, context.Canceled) {
		err = cause
	}
	return err
}

// keepAlive writes the send_packets action every heartbeat interval.
func (c *Client) keepAlive(ctx context.Context, w *gateway.Writer) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := w.SendJSON(wctx, heartbeatAction())
			cancel()
			if err != nil {
				return err
			}
			c.deps.Metrics.HeartbeatSent(Name)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.deps.Liveness.Beat(Name)

		var e event
		if err := json.Unmarshal(data, &e); err != nil {
			c.logger.Warn("invalid onebot frame", slog.String("error", err.Error()))
			continue
		}
		c.handleEvent(e)
	}
}

func (c *Client) handleEvent(e event) {
	switch {
	case e.Echo == "heartbeat":
		c.session.Ack(time.Now())
		c.deps.Metrics.HeartbeatAck(Name)
	case e.PostType == postMetaEvent:
		c.logger.Debug("onebot meta event", slog.String("type", e.MetaEventType))
	case e.PostType == postMessage:
		c.handleMessage(e)
	}
}

func (c *Client) handleMessage(e event) {
	userID := strconv.FormatInt(e.UserID, 10)
	if !c.allow.Allowed(userID) {
		c.deps.Denied(Name, userID)
		return
	}

	msg := bus.NewInbound(Name, userID, e.chatID(), e.text())
	msg.Metadata["message_type"] = e.MessageType
	msg.Metadata["message_id"] = strconv.FormatInt(e.MessageID, 10)
	if e.Sender != nil && e.Sender.Nickname != "" {
		msg.Metadata["nickname"] = e.Sender.Nickname
	}
	if e.Time > 0 {
		msg.Timestamp = time.Unix(e.Time, 0).UTC()
	}
	c.deps.PublishInbound(msg, msg.Metadata["message_id"])
}

// Send posts msg through the OneBot HTTP API. The metadata message_type picks
// send_group_msg or send_private_msg; private is the default.
func (c *Client) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if c.cfg.APIURL == "" {
		return errors.New("qq: api url not configured")
	}
	target, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("qq: invalid chat id %q: %w", msg.ChatID, err)
	}

	endpoint, key := "send_private_msg", "user_id"
	if msg.Metadata["message_type"] == MessageGroup {
		endpoint, key = "send_group_msg", "group_id"
	}
	for _, chunk := range gateway.SplitMessage(msg.Content, MaxMessageLength) {
		if err := c.callAPI(ctx, endpoint, map[string]any{key: target, "message": chunk}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) callAPI(ctx context.Context, endpoint string, params map[string]any) error {
	body, err := json.Marshal(action{Action: endpoint, Params: params})
	if err != nil {
		return fmt.Errorf("qq: encoding %s: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/api/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("qq: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("qq: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qq: %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var r apiResponse
	if err := json.Unmarshal(data, &r); err == nil && r.Status == "failed" {
		return fmt.Errorf("qq: %s: retcode %d: %s", endpoint, r.RetCode, r.Wording+r.Message)
	}
	return nil
}
