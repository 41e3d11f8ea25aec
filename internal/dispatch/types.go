package dispatch

import (
	"time"

	"marybot/internal/notification"
)

const (
	DefaultBatchSize  = 100
	DefaultBatchDelay = 100 * time.Millisecond
)

// Config controls batch pacing. Zero values fall back to the defaults.
type Config struct {
	BatchSize  int
	BatchDelay time.Duration
}

func (c Config) normalized() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	return c
}

// BatchError is one entry of BatchResult.Errors. Per-record failures set
// UserID; an aggregate batch failure sets Batch and Count instead.
type BatchError struct {
	UserID       string            `json:"userId,omitempty"`
	Error        string            `json:"error"`
	Notification notification.Type `json:"notification,omitempty"`
	Batch        *int              `json:"batch,omitempty"`
	Count        int               `json:"count"`

	// Records that this entry accounts for. Kept in memory for retry.
	Records []notification.Record `json:"-"`
}

// BatchResult aggregates one pass over a record list.
// Sent+Failed always equals Total.
type BatchResult struct {
	Total  int          `json:"total"`
	Sent   int          `json:"sent"`
	Failed int          `json:"failed"`
	Errors []BatchError `json:"errors"`
}

// FailedRecords returns every record counted in Failed.
func (r BatchResult) FailedRecords() []notification.Record {
	var out []notification.Record
	for _, e := range r.Errors {
		out = append(out, e.Records...)
	}
	return out
}

// Result is the settled outcome of one job. Success means the pipeline
// ran, not that every record was delivered.
type Result struct {
	Success          bool              `json:"success"`
	DispatchID       string            `json:"dispatchId,omitempty"`
	NotificationType notification.Type `json:"notificationType,omitempty"`
	Result           *BatchResult      `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	Stack            string            `json:"stack,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	// ProcessingTime is in milliseconds.
	ProcessingTime int64 `json:"processingTime,omitempty"`
}

// Failure builds a job-level failure result.
func Failure(err error, at time.Time) Result {
	return Result{Success: false, Error: err.Error(), Timestamp: at}
}

// Outcome labels used by Stats.
const (
	OutcomeSettled = "settled"
	OutcomeFailed  = "failed"
)

// Stats receives dispatch telemetry. Implementations must be safe for
// concurrent use.
type Stats interface {
	DispatchSettled(t notification.Type, outcome string, took time.Duration)
	DeliveryAttempt(channel string, ok bool)
	RecordsSettled(sent, failed int)
	BatchFailed()
}

type nopStats struct{}

func (nopStats) DispatchSettled(notification.Type, string, time.Duration) {}
func (nopStats) DeliveryAttempt(string, bool)                            {}
func (nopStats) RecordsSettled(int, int)                                 {}
func (nopStats) BatchFailed()                                            {}

// NopStats discards everything.
func NopStats() Stats { return nopStats{} }
