// Package database persists records through the MaryBot API.
package database

import (
	"context"
	"fmt"
	"time"

	"marybot/internal/apiclient"
	"marybot/internal/channel"
	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

// Creator is the slice of the API client this channel needs.
type Creator interface {
	CreateNotification(ctx context.Context, req apiclient.CreateNotificationRequest) (*apiclient.CreateNotificationResponse, error)
}

// Channel never returns an error. When the API call fails it logs a
// warning and returns a local mock_<unix ms> receipt instead.
type Channel struct {
	api Creator
	log logx.Logger
	now func() time.Time
}

func New(api Creator, log logx.Logger) *Channel {
	return &Channel{
		api: api,
		log: log.With(logx.Component("channel.database")),
		now: time.Now,
	}
}

func (c *Channel) Name() string { return channel.NameDatabase }

func (c *Channel) Deliver(ctx context.Context, rec notification.Record) (channel.Receipt, error) {
	now := c.now()
	if c.api != nil {
		resp, err := c.api.CreateNotification(ctx, apiclient.NewCreateNotificationRequest(rec, now))
		if err == nil {
			return channel.Receipt{Channel: channel.NameDatabase, ID: resp.ID, At: now}, nil
		}
		c.log.Warn("persist failed, using local id", logx.String("user_id", rec.UserID), logx.Err(err))
	}
	return channel.Receipt{
		Channel:   channel.NameDatabase,
		ID:        MockID(now),
		Simulated: true,
		At:        now,
	}, nil
}

func MockID(t time.Time) string {
	return fmt.Sprintf("mock_%d", t.UnixMilli())
}
