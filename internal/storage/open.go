package storage

import (
	"context"
	"errors"
	"strings"

	"marybot/internal/notification"
	logx "marybot/pkg/logx"
)

// Store is the persistence API used by the host.
type Store interface {
	AppendDispatch(ctx context.Context, e DispatchEntry) error
	// PutFailed replaces the failed records kept for a dispatch. An empty
	// list removes them.
	PutFailed(ctx context.Context, dispatchID string, records []notification.Record) error
	// TakeFailed returns and removes the failed records of a dispatch.
	TakeFailed(ctx context.Context, dispatchID string) ([]notification.Record, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	log = log.With(logx.Component("storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
