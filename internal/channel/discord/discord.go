// Package discord delivers records as Discord direct messages.
package discord

import (
	"context"
	"time"

	"marybot/internal/channel"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

type Channel struct {
	sender    Sender
	simulated bool
	log       logx.Logger
}

// New wraps a Sender. A nil sender falls back to SimulatedSender with a
// 100ms delay.
func New(sender Sender, log logx.Logger) *Channel {
	_, sim := sender.(SimulatedSender)
	if sender == nil {
		sender = SimulatedSender{Delay: 100 * time.Millisecond}
		sim = true
	}
	return &Channel{
		sender:    sender,
		simulated: sim,
		log:       log.With(logx.Component("channel.discord")),
	}
}

func (c *Channel) Name() string { return channel.NameDiscord }

func (c *Channel) Deliver(ctx context.Context, rec notification.Record) (channel.Receipt, error) {
	id, err := c.sender.Send(ctx, rec.UserID, BuildMessage(rec))
	if err != nil {
		return channel.Receipt{}, err
	}
	c.log.Trace("delivered", logx.String("user_id", rec.UserID), logx.String("message_id", id))
	return channel.Receipt{
		Channel:   channel.NameDiscord,
		ID:        id,
		Simulated: c.simulated,
		At:        time.Now(),
	}, nil
}
