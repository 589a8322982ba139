package storage

import (
	"context"
	"errors"
	"strings"

	"smsbackup/internal/jobs"
	logx "smsbackup/pkg/logx"
)

// Store persists job submissions keyed by kind. Putting a record for a kind
// that is already stored replaces it.
type Store interface {
	PutJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, kind jobs.JobKind) error
	ListJobs(ctx context.Context) ([]JobRecord, error)
	DeleteAllJobs(ctx context.Context) error
	AppendRun(ctx context.Context, r RunRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
