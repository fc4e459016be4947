package discord

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

var errHeartbeatNotAcked = errors.New("discord: previous heartbeat was not acknowledged")

// heartbeat sends op 1 frames every session interval until ctx ends. It idles
// while the interval is unknown and re-arms from the moment the interval
// changes. It returns an error when a send fails or the gateway stopped
// acknowledging; the caller must then tear the connection down.
func (c *Client) heartbeat(ctx context.Context, send func(context.Context, Frame) error) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	if d := c.session.HeartbeatInterval(); d > 0 {
		timer.Reset(d)
	}

	var lastSent time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case d := <-c.session.IntervalChanges():
			timer.Stop()
			if d > 0 {
				timer.Reset(d)
				c.logger.Debug("heartbeat interval set", slog.Duration("interval", d))
			}

		case <-timer.C:
			if !lastSent.IsZero() && c.session.Snapshot().LastHeartbeatAck.Before(lastSent) {
				return errHeartbeatNotAcked
			}
			lastSent = time.Now()
			if err := c.beat(ctx, send); err != nil {
				return err
			}
			if d := c.session.HeartbeatInterval(); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// beat writes one heartbeat carrying the latest sequence number.
func (c *Client) beat(ctx context.Context, send func(context.Context, Frame) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatTimeout)
	defer cancel()
	if err := send(ctx, HeartbeatFrame(c.session.Sequence())); err != nil {
		return err
	}
	c.deps.Metrics.HeartbeatSent(Name)
	return nil
}
