package host

import (
	"context"
	"errors"
	"time"

	"marybot/internal/dispatch"
	"marybot/internal/notification"
)

var (
	ErrQueueFull = errors.New("host queue full")
	ErrStopped   = errors.New("host stopped")
	// ErrResultTimeout means the job was accepted and keeps running, but
	// the caller stopped waiting for its result. It also matches the
	// caller's context error.
	ErrResultTimeout = errors.New("host accepted job; result not awaited")
)

// Sources label where a request came from.
const (
	SourceHTTP  = "http"
	SourceAMQP  = "amqp"
	SourceCron  = "cron"
	SourceLocal = "local"
)

// Request is the job-in half of the host RPC.
type Request struct {
	Job    notification.Job `json:"job"`
	Source string           `json:"-"`
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// StoreTimeout bounds each audit and failed-record write.
	StoreTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	return c
}

// Dispatcher is the part of *dispatch.Dispatcher the host drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, job notification.Job) dispatch.Result
	Retry(ctx context.Context, records []notification.Record) dispatch.BatchResult
}

// DispatchEvent is published on the event bus for lifecycle changes.
type DispatchEvent struct {
	DispatchID string            `json:"dispatch_id,omitempty"`
	Type       notification.Type `json:"type"`
	Source     string            `json:"source,omitempty"`
	Retry      bool              `json:"retry,omitempty"`
	Success    bool              `json:"success"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// Status is a point-in-time view for health endpoints.
type Status struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	Queued   int  `json:"queued"`
	Capacity int  `json:"capacity"`
}
