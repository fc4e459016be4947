package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/heartbeat"
	"github.com/jkaninda/relay/internal/ratelimit"
)

// DefaultSendTimeout bounds a single platform send.
const DefaultSendTimeout = 30 * time.Second

// Manager supervises channel clients. It starts every registered client,
// feeds each one the outbound messages addressed to its channel and stops
// them on shutdown.
type Manager struct {
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	limiter     *ratelimit.Limiter
	liveness    *heartbeat.Monitor
	sendTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]Client
	order   []string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics records send outcomes.
func WithManagerMetrics(m *Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

// WithTracer wraps every send in a span.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(mg *Manager) {
		if t != nil {
			mg.tracer = t
		}
	}
}

// WithOutboundLimiter throttles sends per channel. Sends wait for a token.
func WithOutboundLimiter(l *ratelimit.Limiter) ManagerOption {
	return func(mg *Manager) { mg.limiter = l }
}

// WithLiveness tracks every registered channel in m.
func WithLiveness(m *heartbeat.Monitor) ManagerOption {
	return func(mg *Manager) { mg.liveness = m }
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) ManagerOption {
	return func(mg *Manager) {
		if d > 0 {
			mg.sendTimeout = d
		}
	}
}

// NewManager creates a Manager routing through b.
func NewManager(b *bus.Bus, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:         b,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("relay/gateway"),
		sendTimeout: DefaultSendTimeout,
		clients:     make(map[string]Client),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Register adds a client. Channel names must be unique.
func (m *Manager) Register(c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := c.Name()
	if _, ok := m.clients[name]; ok {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.clients[name] = c
	m.order = append(m.order, name)
	return nil
}

// Client returns the client for channel name.
func (m *Manager) Client(name string) (Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Channels lists registered channel names in registration order.
func (m *Manager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order)
}

// Statuses reports every client's connection state.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.clients[name].Status())
	}
	return out
}

func (m *Manager) snapshot() []Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Client, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.clients[name])
	}
	return out
}

// Run starts every client and its outbound forwarder, then blocks until ctx
// is canceled or a client fails to run. Each client gets its own outbound
// subscription, taken before the client starts, so a slow platform never
// delays another.
func (m *Manager) Run(ctx context.Context) error {
	clients := m.snapshot()
	if len(clients) == 0 {
		m.logger.Warn("no channels enabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	unrouted := m.bus.SubscribeOutbound()
	g.Go(func() error {
		defer unrouted.Close()
		m.watchUnrouted(gctx, unrouted)
		return nil
	})

	for _, c := range clients {
		sub := m.bus.SubscribeOutbound()
		m.liveness.Track(c.Name())

		g.Go(func() error {
			defer sub.Close()
			m.forward(gctx, c, sub)
			return nil
		})
		g.Go(func() error {
			m.logger.Info("channel starting", slog.String("channel", c.Name()))
			if err := c.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("channel %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops clients in reverse registration order.
func (m *Manager) Shutdown(ctx context.Context) error {
	clients := m.snapshot()
	var errs []error
	for i := len(clients) - 1; i >= 0; i-- {
		c := clients[i]
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
		}
		m.liveness.Forget(c.Name())
	}
	return errors.Join(errs...)
}

// forward delivers outbound messages addressed to c until ctx ends or the bus closes.
func (m *Manager) forward(ctx context.Context, c Client, sub *bus.Subscription[bus.OutboundMessage]) {
	name := c.Name()
	for {
		msg, err := sub.Recv(ctx)
		if err != nil {
			var lagged *bus.LaggedError
			if errors.As(err, &lagged) {
				m.logger.Warn("outbound forwarder lagged",
					slog.String("channel", name),
					slog.Uint64("missed", lagged.Missed),
				)
				continue
			}
			return
		}
		if msg.Channel != name {
			continue
		}
		m.deliver(ctx, c, msg)
	}
}

// watchUnrouted logs outbound messages addressed to no registered channel.
func (m *Manager) watchUnrouted(ctx context.Context, sub *bus.Subscription[bus.OutboundMessage]) {
	for {
		msg, err := sub.Recv(ctx)
		if errors.Is(err, bus.ErrLagged) {
			continue
		}
		if err != nil {
			return
		}
		if _, ok := m.Client(msg.Channel); ok {
			continue
		}
		m.metrics.Unrouted(msg.Channel)
		m.logger.Warn("outbound message for unknown channel dropped",
			slog.String("channel", msg.Channel),
			slog.String("chat_id", msg.ChatID),
		)
	}
}

// deliver sends one message. Failures are logged and published as error
// events; they never stop the forwarder or touch the connection.
func (m *Manager) deliver(ctx context.Context, c Client, msg bus.OutboundMessage) {
	name := c.Name()
	if err := m.limiter.Wait(ctx, name); err != nil {
		return
	}

	ctx, span := m.tracer.Start(ctx, "gateway.send", trace.WithAttributes(
		attribute.String("channel", name),
		attribute.String("chat_id", msg.ChatID),
		attribute.Int("content_length", len(msg.Content)),
	))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	start := time.Now()
	err := c.Send(sendCtx, msg)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		m.metrics.SendResult(name, "error", elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Error("outbound send failed",
			slog.String("channel", name),
			slog.String("chat_id", msg.ChatID),
			slog.String("error", err.Error()),
		)
		m.bus.PublishEvent(bus.ErrorEvent(name, fmt.Errorf("send to %s: %w", msg.ChatID, err)))
		return
	}
	m.metrics.SendResult(name, "ok", elapsed)
	m.logger.Debug("outbound message sent",
		slog.String("channel", name),
		slog.String("chat_id", msg.ChatID),
	)
}
