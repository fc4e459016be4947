package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/gateway"
)

const waitFor = 3 * time.Second

type fakeBridge struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	pings chan struct{}
	auth  chan string
	done  chan struct{}
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	f := &fakeBridge{
		conns: make(chan *websocket.Conn, 4),
		pings: make(chan struct{}, 16),
		auth:  make(chan string, 4),
		done:  make(chan struct{}),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.SetPingHandler(func(data string) error {
			select {
			case f.pings <- struct{}{}:
			default:
			}
			return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		})
		f.conns <- conn
		<-f.done
		conn.Close()
	}))
	t.Cleanup(func() {
		close(f.done)
		f.srv.Close()
	})
	return f
}

func (f *fakeBridge) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeBridge) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("client did not connect")
		return nil
	}
}

func startClient(t *testing.T, cfg Config) (*Client, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{})
	t.Cleanup(b.Close)
	c, err := New(cfg, gateway.Deps{Bus: b})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("client did not stop")
		}
	})
	return c, b
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.machine.Wait(ctx, gateway.StateConnected))
}

func TestNew_MissingBridgeURL(t *testing.T) {
	_, err := New(Config{}, gateway.Deps{Bus: bus.New(bus.Config{})})
	assert.ErrorIs(t, err, gateway.ErrMissingCredentials)
}

func TestClient_PublishesBridgeMessages(t *testing.T) {
	br := newFakeBridge(t)
	c, b := startClient(t, Config{BridgeURL: br.url(), AuthToken: "tok", AllowFrom: []string{"+15550001"}})
	inbound := b.SubscribeInbound()
	defer inbound.Close()

	conn := br.accept(t)
	waitConnected(t, c)
	assert.Equal(t, "Bearer tok", <-br.auth)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","content":"qr"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","sender":"+15559999","content":"spam"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","sender":"+15550001","sender_name":"Ann","content":"hello","id":"m1"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	msg, err := inbound.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, Name, msg.Channel)
	assert.Equal(t, "+15550001", msg.SenderID)
	assert.Equal(t, "+15550001", msg.ChatID, "chat id falls back to the sender")
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "Ann", msg.Metadata["sender_name"])
}

func TestClient_SendWritesToBridge(t *testing.T) {
	br := newFakeBridge(t)
	c, _ := startClient(t, Config{BridgeURL: br.url()})

	conn := br.accept(t)
	waitConnected(t, c)
	require.Eventually(t, func() bool { return c.writer.Load() != nil }, waitFor, 5*time.Millisecond)

	require.NoError(t, c.Send(context.Background(), bus.NewOutbound(Name, "chat-1", "hi there")))

	_ = conn.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, frame{Type: "message", ChatID: "chat-1", Content: "hi there"}, f)
}

func TestClient_SendWhileOffline(t *testing.T) {
	c, err := New(Config{BridgeURL: "ws://127.0.0.1:1"}, gateway.Deps{Bus: bus.New(bus.Config{})})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(context.Background(), bus.NewOutbound(Name, "x", "y")), gateway.ErrNotConnected)
}

func TestClient_PingsBridge(t *testing.T) {
	br := newFakeBridge(t)
	c, _ := startClient(t, Config{BridgeURL: br.url(), PingInterval: 20 * time.Millisecond})

	conn := br.accept(t)
	waitConnected(t, c)

	// The server only runs its ping handler while reading.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	select {
	case <-br.pings:
	case <-time.After(waitFor):
		t.Fatal("no ping received")
	}
	require.Eventually(t, func() bool {
		return !c.Status().LastHeartbeatAck.IsZero()
	}, waitFor, 5*time.Millisecond)
}
