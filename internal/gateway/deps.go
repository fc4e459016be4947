package gateway

import (
	"log/slog"

	"github.com/jkaninda/relay/internal/bus"
	"github.com/jkaninda/relay/internal/dedupe"
	"github.com/jkaninda/relay/internal/heartbeat"
	"github.com/jkaninda/relay/internal/ratelimit"
)

// Inbound outcomes recorded in metrics.
const (
	InboundPublished   = "published"
	InboundDuplicate   = "duplicate"
	InboundDenied      = "denied"
	InboundRateLimited = "rate_limited"
	InboundEmpty       = "empty"
)

// Deps are the shared collaborators handed to every channel client.
// Only Bus is required.
type Deps struct {
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *Metrics
	Liveness *heartbeat.Monitor
	Dedupe   *dedupe.Cache
	Limiter  *ratelimit.Limiter // per-sender inbound limit
}

// WithDefaults fills in a discard logger when none is set.
func (d Deps) WithDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// PublishInbound runs the common inbound checks and publishes msg to the bus.
// platformID is the platform's own message id, used for duplicate detection;
// an empty id disables the check. Returns the outcome recorded in metrics.
func (d Deps) PublishInbound(msg bus.InboundMessage, platformID string) string {
	logger := d.Logger.With(
		slog.String("channel", msg.Channel),
		slog.String("chat_id", msg.ChatID),
		slog.String("sender_id", msg.SenderID),
	)

	result := InboundPublished
	switch {
	case msg.Content == "" && len(msg.Media) == 0:
		result = InboundEmpty
	case platformID != "" && d.Dedupe.Seen(msg.Channel+":"+platformID):
		result = InboundDuplicate
		logger.Debug("duplicate inbound message dropped", slog.String("platform_id", platformID))
	case d.Limiter.Allow(msg.Channel+":"+msg.SenderID) != nil:
		result = InboundRateLimited
		logger.Warn("inbound message rate limited")
	default:
		d.Bus.PublishInbound(msg)
		logger.Debug("inbound message published", slog.Int("length", len(msg.Content)))
	}

	d.Metrics.InboundResult(msg.Channel, result)
	return result
}

// Denied records a message rejected by an allowlist.
func (d Deps) Denied(channel, senderID string) {
	d.Logger.Debug("message from unlisted sender ignored",
		slog.String("channel", channel),
		slog.String("sender_id", senderID),
	)
	d.Metrics.InboundResult(channel, InboundDenied)
}
