package dispatch

import (
	"context"
	"errors"
	"fmt"

	"marybot/internal/channel"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

var ErrNoChannels = errors.New("no delivery channels configured")

// RecordDeliverer delivers one record or reports why it could not.
type RecordDeliverer interface {
	Deliver(ctx context.Context, rec notification.Record) (channel.Receipt, error)
}

// Deliverer tries channels strictly in order. The first success wins; if
// every channel fails the last error is returned. There is no
// wrap-around and no racing.
type Deliverer struct {
	channels []channel.Channel
	stats    Stats
	log      logx.Logger
}

func NewDeliverer(log logx.Logger, stats Stats, channels ...channel.Channel) *Deliverer {
	if stats == nil {
		stats = NopStats()
	}
	return &Deliverer{
		channels: append([]channel.Channel(nil), channels...),
		stats:    stats,
		log:      log.With(logx.Component("deliver")),
	}
}

// Channels returns the fallback order.
func (d *Deliverer) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for _, c := range d.channels {
		out = append(out, c.Name())
	}
	return out
}

func (d *Deliverer) Deliver(ctx context.Context, rec notification.Record) (channel.Receipt, error) {
	lastErr := ErrNoChannels
	for _, ch := range d.channels {
		rcpt, err := ch.Deliver(ctx, rec)
		d.stats.DeliveryAttempt(ch.Name(), err == nil)
		if err == nil {
			if rcpt.Channel == "" {
				rcpt.Channel = ch.Name()
			}
			return rcpt, nil
		}
		lastErr = fmt.Errorf("%s: %w", ch.Name(), err)
		d.log.Debug("channel failed, falling back",
			logx.String("channel", ch.Name()),
			logx.String("user_id", rec.UserID),
			logx.Err(err),
		)
	}
	return channel.Receipt{}, lastErr
}
