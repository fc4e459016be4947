// Package agent consumes inbound messages from the bus, produces a reply
// with a Responder and publishes it as an outbound message to the same
// conversation.
package agent

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/llm"
)

// SchedulerSender is the sender id of scheduler-originated messages.
const SchedulerSender = "scheduler"

// Turn outcomes recorded in metrics.
const (
	resultReplied    = "replied"
	resultSilent     = "silent"
	resultSuppressed = "suppressed"
	resultError      = "error"
)

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics records turn metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer traces each turn.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithHistory replaces the default history.
func WithHistory(h *History) Option {
	return func(e *Executor) { e.history = h }
}

// WithWorkers sets how many conversations are handled in parallel.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTurnTimeout bounds a single Respond call.
func WithTurnTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithErrorReply sets the text sent when the responder fails. Empty disables it.
func WithErrorReply(text string) Option {
	return func(e *Executor) { e.errorReply = text }
}

// Executor is the agent loop.
type Executor struct {
	bus        *bus.Bus
	responder  Responder
	history    *History
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	workers    int
	timeout    time.Duration
	errorReply string
}

// NewExecutor creates an Executor reading from b.
func NewExecutor(b *bus.Bus, r Responder, opts ...Option) *Executor {
	e := &Executor{
		bus:       b,
		responder: r,
		history:   NewHistory(DefaultHistorySize),
		logger:    slog.New(slog.DiscardHandler),
		tracer:    noop.NewTracerProvider().Tracer(""),
		workers:   4,
		timeout:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// History returns the executor's conversation history.
func (e *Executor) History() *History { return e.history }

// Run consumes inbound messages until ctx ends or the bus closes.
// Messages of one conversation are handled in order by the same worker;
// different conversations proceed in parallel.
func (e *Executor) Run(ctx context.Context) error {
	sub := e.bus.SubscribeInbound()
	defer sub.Close()

	queues := make([]chan bus.InboundMessage, e.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range queues {
		q := make(chan bus.InboundMessage, 64)
		queues[i] = q
		g.Go(func() error {
			for msg := range q {
				e.Handle(gctx, msg)
			}
			return nil
		})
	}

	e.logger.Info("agent executor started", slog.Int("workers", e.workers))
	err := e.dispatch(gctx, sub, queues)
	for _, q := range queues {
		close(q)
	}
	if werr := g.Wait(); err == nil {
		err = werr
	}
	e.logger.Info("agent executor stopped")
	return err
}

func (e *Executor) dispatch(ctx context.Context, sub *bus.Subscription[bus.InboundMessage], queues []chan bus.InboundMessage) error {
	for {
		msg, err := sub.Recv(ctx)
		switch {
		case errors.Is(err, bus.ErrLagged):
			e.logger.Warn("agent fell behind the inbound topic", slog.String("error", err.Error()))
			continue
		case errors.Is(err, bus.ErrClosed), ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}

		q := queues[shard(msg.SessionKey(), len(queues))]
		select {
		case q <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func shard(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Handle processes one inbound message synchronously.
func (e *Executor) Handle(ctx context.Context, msg bus.InboundMessage) {
	start := time.Now()
	key := msg.SessionKey()
	logger := e.logger.With(
		slog.String("session", key),
		slog.String("message_id", msg.ID),
	)

	ctx, span := e.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("relay.channel", msg.Channel),
		attribute.String("relay.chat_id", msg.ChatID),
	))
	defer span.End()

	turnCtx, cancel := context.WithTimeout(ctx, e.timeout)
	reply, err := e.responder.Respond(turnCtx, Turn{Message: msg, History: e.history.Load(key)})
	cancel()

	result := resultReplied
	switch {
	case err != nil:
		result = resultError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorContext(ctx, "responder failed", slog.String("error", err.Error()))
		reply = e.errorReply
	case reply == "":
		result = resultSilent
	default:
		e.history.Append(key,
			llm.Message{Role: llm.RoleUser, Content: msg.Content},
			llm.Message{Role: llm.RoleAssistant, Content: reply},
		)
	}

	if reply != "" && suppressed(msg) {
		result = resultSuppressed
		reply = ""
	}
	if reply != "" {
		out := bus.NewOutbound(msg.Channel, msg.ChatID, reply)
		if id := msg.Metadata["message_id"]; id != "" {
			out.ReplyTo = id
		}
		if mt := msg.Metadata["message_type"]; mt != "" {
			out.Metadata["message_type"] = mt
		}
		e.bus.PublishOutbound(out)
	}

	e.metrics.turn(msg.Channel, result, time.Since(start).Seconds())
	logger.DebugContext(ctx, "turn completed",
		slog.String("result", result),
		slog.Duration("duration", time.Since(start)),
	)
}

// suppressed reports whether msg is a scheduler job that asked for no reply.
func suppressed(msg bus.InboundMessage) bool {
	fromScheduler := msg.SenderID == SchedulerSender || msg.Channel == SchedulerSender
	return fromScheduler && msg.Metadata["deliver_response"] == "false"
}
