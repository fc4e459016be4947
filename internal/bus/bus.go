// Package bus implements the in-process pub/sub broker that decouples chat
// channel clients from the agent and the scheduler.
//
// Delivery semantics:
//   - Publishers never block and never see an error.
//   - Each subscriber gets every message published after it subscribed, in
//     publish order, through its own bounded buffer.
//   - When a subscriber's buffer is full the oldest entry is evicted and the
//     subscriber's next Recv reports the gap as a *LaggedError.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Default per-subscriber buffer depths.
const (
	DefaultInboundCapacity  = 100
	DefaultOutboundCapacity = 100
	DefaultEventCapacity    = 50
)

// Topic names used for metrics labels and logs.
const (
	TopicInbound  = "inbound"
	TopicOutbound = "outbound"
	TopicEvents   = "events"
)

var (
	// ErrClosed is returned by Recv once the subscription or its topic is closed
	// and the buffer is drained.
	ErrClosed = errors.New("bus: subscription closed")

	// ErrLagged matches any *LaggedError via errors.Is.
	ErrLagged = errors.New("bus: subscriber lagged")
)

// LaggedError reports how many messages a slow subscriber missed.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("bus: subscriber lagged, missed %d messages", e.Missed)
}

// Is makes errors.Is(err, ErrLagged) true for any *LaggedError.
func (e *LaggedError) Is(target error) bool {
	return target == ErrLagged
}

// Config sets the per-subscriber buffer depth of each topic. Zero values use the defaults.
type Config struct {
	InboundCapacity  int `json:"inbound_capacity" yaml:"inbound_capacity"`
	OutboundCapacity int `json:"outbound_capacity" yaml:"outbound_capacity"`
	EventCapacity    int `json:"event_capacity" yaml:"event_capacity"`
}

func (c Config) withDefaults() Config {
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = DefaultInboundCapacity
	}
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = DefaultOutboundCapacity
	}
	if c.EventCapacity <= 0 {
		c.EventCapacity = DefaultEventCapacity
	}
	return c
}

// Option configures a Bus.
type Option func(*Bus)

// WithMetrics records publish, drop and eviction counts.
func WithMetrics(m *Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// Bus holds the three independent topics. Safe for concurrent use.
type Bus struct {
	inbound  *Topic[InboundMessage]
	outbound *Topic[OutboundMessage]
	events   *Topic[Event]
	metrics  *Metrics
}

// New creates a Bus.
func New(cfg Config, opts ...Option) *Bus {
	cfg = cfg.withDefaults()
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	b.inbound = NewTopic[InboundMessage](TopicInbound, cfg.InboundCapacity, b.metrics)
	b.outbound = NewTopic[OutboundMessage](TopicOutbound, cfg.OutboundCapacity, b.metrics)
	b.events = NewTopic[Event](TopicEvents, cfg.EventCapacity, b.metrics)
	return b
}

// PublishInbound fans msg out to every inbound subscriber.
func (b *Bus) PublishInbound(msg InboundMessage) { b.inbound.Publish(msg) }

// PublishOutbound fans msg out to every outbound subscriber.
func (b *Bus) PublishOutbound(msg OutboundMessage) { b.outbound.Publish(msg) }

// PublishEvent fans evt out to every lifecycle subscriber.
func (b *Bus) PublishEvent(evt Event) { b.events.Publish(evt) }

// SubscribeInbound returns a new independent inbound subscription.
func (b *Bus) SubscribeInbound() *Subscription[InboundMessage] { return b.inbound.Subscribe() }

// SubscribeOutbound returns a new independent outbound subscription.
func (b *Bus) SubscribeOutbound() *Subscription[OutboundMessage] { return b.outbound.Subscribe() }

// SubscribeEvents returns a new independent lifecycle subscription.
func (b *Bus) SubscribeEvents() *Subscription[Event] { return b.events.Subscribe() }

// InboundSubscribers is the number of live inbound subscriptions.
func (b *Bus) InboundSubscribers() int { return b.inbound.Subscribers() }

// OutboundSubscribers is the number of live outbound subscriptions.
func (b *Bus) OutboundSubscribers() int { return b.outbound.Subscribers() }

// Close closes every topic. Later publishes are ignored and subscribers
// receive ErrClosed after draining their buffers.
func (b *Bus) Close() {
	b.inbound.Close()
	b.outbound.Close()
	b.events.Close()
}

// Topic is a single fan-out channel with a bounded buffer per subscriber.
type Topic[T any] struct {
	name     string
	capacity int
	metrics  *Metrics

	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
}

// NewTopic creates a topic whose subscribers buffer up to capacity messages.
// metrics may be nil.
func NewTopic[T any](name string, capacity int, metrics *Metrics) *Topic[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Topic[T]{
		name:     name,
		capacity: capacity,
		metrics:  metrics,
		subs:     make(map[uint64]*Subscription[T]),
	}
}

// Publish delivers v to all current subscribers without blocking.
// The topic lock serializes publishers so every subscriber observes the same order.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.metrics.published(t.name)
	if len(t.subs) == 0 {
		t.metrics.dropped(t.name)
		return
	}
	for _, s := range t.subs {
		if s.push(v) {
			t.metrics.evicted(t.name)
		}
	}
}

// Subscribe registers a new subscriber. It only sees messages published after this call.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		topic:  t,
		buf:    make([]T, t.capacity),
		notify: make(chan struct{}, 1),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		s.closed = true
		return s
	}
	t.nextID++
	s.id = t.nextID
	t.subs[s.id] = s
	t.metrics.subscribers(t.name, len(t.subs))
	return s
}

// Subscribers returns the current subscriber count.
func (t *Topic[T]) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close detaches every subscriber.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]*Subscription[T])
	t.metrics.subscribers(t.name, 0)
	t.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
	t.metrics.subscribers(t.name, len(t.subs))
}

// Subscription is one subscriber's receive handle.
type Subscription[T any] struct {
	topic *Topic[T]
	id    uint64

	mu     sync.Mutex
	buf    []T // ring buffer
	head   int
	size   int
	missed uint64
	closed bool
	notify chan struct{}
}

// push appends v, evicting the oldest entry when full. Reports whether an entry was evicted.
func (s *Subscription[T]) push(v T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	evicted := false
	if s.size == len(s.buf) {
		var zero T
		s.buf[s.head] = zero
		s.head = (s.head + 1) % len(s.buf)
		s.size--
		s.missed++
		evicted = true
	}
	s.buf[(s.head+s.size)%len(s.buf)] = v
	s.size++
	s.mu.Unlock()

	s.wake()
	return evicted
}

func (s *Subscription[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a message is available. It returns a *LaggedError once
// for every run of evicted messages, ctx.Err() on cancellation and ErrClosed
// after the subscription is closed and drained.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.missed > 0 {
			n := s.missed
			s.missed = 0
			s.mu.Unlock()
			return zero, &LaggedError{Missed: n}
		}
		if s.size > 0 {
			v := s.buf[s.head]
			s.buf[s.head] = zero
			s.head = (s.head + 1) % len(s.buf)
			s.size--
			s.mu.Unlock()
			return v, nil
		}
		if s.closed {
			s.mu.Unlock()
			return zero, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.notify:
		}
	}
}

// Len returns the number of buffered messages.
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close unsubscribes. Pending Recv calls return ErrClosed once the buffer is drained.
func (s *Subscription[T]) Close() {
	if s.id != 0 {
		s.topic.remove(s.id)
	}
	s.markClosed()
}

func (s *Subscription[T]) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()
}
