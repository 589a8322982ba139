package storage

import (
	"errors"
	"time"

	"smsbackup/internal/jobs"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot of jobs plus a JSON Lines run log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobRecord is a persisted submission. ArmedAt is when a one-shot job's
// initial delay started counting.
type JobRecord struct {
	ID         string             `json:"id"`
	Descriptor jobs.JobDescriptor `json:"descriptor"`
	ArmedAt    time.Time          `json:"armed_at"`
}

// RunRecord is one finished execution of a job.
type RunRecord struct {
	At       time.Time     `json:"at"`
	TaskID   string        `json:"task_id"`
	Kind     jobs.JobKind  `json:"kind"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
