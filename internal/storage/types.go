package storage

import (
	"errors"
	"time"

	"marybot/internal/notification"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("no failed records for dispatch")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit plus a failed-record journal with snapshot
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchEntry is one settled dispatch in the audit trail.
type DispatchEntry struct {
	At         time.Time         `json:"at"`
	DispatchID string            `json:"dispatch_id"`
	Type       notification.Type `json:"type"`
	Source     string            `json:"source,omitempty"`
	Retry      bool              `json:"retry,omitempty"`
	Success    bool              `json:"success"`
	Total      int               `json:"total"`
	Sent       int               `json:"sent"`
	Failed     int               `json:"failed"`
	Error      string            `json:"error,omitempty"`
	TookMS     int64             `json:"took_ms"`
}
