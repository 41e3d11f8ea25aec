// Package channel defines the delivery channel contract shared by the
// discord, database and websocket adapters.
package channel

import (
	"context"
	"errors"
	"time"

	"marybot/internal/notification"
)

// Channel names, in default fallback order.
const (
	NameDiscord   = "discord"
	NameDatabase  = "database"
	NameWebsocket = "websocket"
)

// DefaultOrder is the fallback order used when config does not set one.
func DefaultOrder() []string {
	return []string{NameDiscord, NameDatabase, NameWebsocket}
}

var ErrNotConnected = errors.New("recipient not connected")

// Receipt describes one successful delivery.
type Receipt struct {
	Channel   string    `json:"channel"`
	ID        string    `json:"id,omitempty"`
	Simulated bool      `json:"simulated,omitempty"`
	At        time.Time `json:"at"`
}

// Channel delivers a single record. Implementations must be safe for
// concurrent use.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, rec notification.Record) (Receipt, error)
}

// Func adapts a function to Channel.
type Func struct {
	ChannelName string
	Fn          func(ctx context.Context, rec notification.Record) (Receipt, error)
}

func (f Func) Name() string { return f.ChannelName }

func (f Func) Deliver(ctx context.Context, rec notification.Record) (Receipt, error) {
	return f.Fn(ctx, rec)
}
