package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"smsbackup/internal/jobs"
	"smsbackup/internal/task/engine"
)

// Config controls the scheduler (trigger) service.
type Config struct {
	// StartupSpread caps the random delay added to the first periodic run.
	// 0 disables the spread.
	StartupSpread time.Duration
	// Timeout bounds one worker run. 0 uses the engine default.
	Timeout time.Duration
}

// Connectivity reports whether a connectivity requirement is met right now.
type Connectivity interface {
	Satisfies(c jobs.Connectivity) bool
}

// AlwaysConnected is a Connectivity that is always satisfied.
type AlwaysConnected struct{}

func (AlwaysConnected) Satisfies(jobs.Connectivity) bool { return true }

// JobEvent is the payload of job.submitted and job.enqueued.
type JobEvent struct {
	ID       string       `json:"id"`
	Kind     jobs.JobKind `json:"kind"`
	Periodic bool         `json:"periodic"`
	At       time.Time    `json:"at"`
}

// CancelEvent is the payload of jobs.canceled.
type CancelEvent struct {
	Removed    int       `json:"removed"`
	Generation uint64    `json:"generation"`
	At         time.Time `json:"at"`
}

type job struct {
	id      string
	desc    jobs.JobDescriptor
	armedAt time.Time

	// periodic
	entryID       cron.EntryID
	startupSpread time.Duration
	pending       bool
	state         *engine.RunState

	// one-shot
	timer   *time.Timer
	ver     uint64
	due     bool
	changed bool
}

func (j *job) dueAt() time.Time {
	if j.desc.Periodic() {
		return time.Time{}
	}
	return j.armedAt.Add(j.desc.InitialDelay)
}

// JobInfo describes a scheduled job.
type JobInfo struct {
	ID            string              `json:"id"`
	Kind          jobs.JobKind        `json:"kind"`
	Periodic      bool                `json:"periodic"`
	Interval      time.Duration       `json:"interval,omitempty"`
	Connectivity  jobs.Connectivity   `json:"connectivity"`
	Sources       []jobs.SourceID     `json:"sources,omitempty"`
	Backoff       *jobs.BackoffPolicy `json:"backoff,omitempty"`
	ArmedAt       time.Time           `json:"armed_at"`
	DueAt         time.Time           `json:"due_at,omitempty"`
	Next          time.Time           `json:"next,omitempty"`
	Prev          time.Time           `json:"prev,omitempty"`
	StartupSpread time.Duration       `json:"startup_spread,omitempty"`
	// Pending marks a periodic run held back by connectivity.
	Pending bool `json:"pending,omitempty"`
	// ChangeSeen marks a one-shot job that observed a watched-source change.
	ChangeSeen bool `json:"change_seen,omitempty"`
}

type Snapshot struct {
	Started bool      `json:"started"`
	Closed  bool      `json:"closed"`
	Jobs    []JobInfo `json:"jobs"`

	// Executor diagnostics (task engine).
	Workers       int                  `json:"workers"`
	InFlight      int                  `json:"in_flight"`
	QueueLen      int                  `json:"queue_len"`
	QueueCap      int                  `json:"queue_cap"`
	Generation    uint64               `json:"generation"`
	Dropped       uint64               `json:"dropped"`
	Canceled      uint64               `json:"canceled"`
	RetryMax      int                  `json:"retry_max"`
	RetryMaxDelay time.Duration        `json:"retry_max_delay"`
	History       []engine.HistoryItem `json:"history"`
}
