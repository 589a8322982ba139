package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidPreferenceValue is returned when Preferences yields a value a
	// descriptor cannot carry (a non-positive periodic interval). The value is
	// never clamped or defaulted here.
	ErrInvalidPreferenceValue = errors.New("invalid preference value")

	// ErrSchedulerUnavailable is returned by Scheduler implementations that
	// can no longer accept requests (closed, not started).
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")

	// ErrSubmissionRejected is returned by Scheduler implementations for
	// descriptors they refuse to accept.
	ErrSubmissionRejected = errors.New("submission rejected")
)

// Scheduler runs job descriptors: it evaluates constraints before each
// attempt, applies the backoff policy of failed one-shot jobs and invokes the
// Worker. Submitting a descriptor whose Kind is already scheduled replaces the
// previous job.
type Scheduler interface {
	Submit(ctx context.Context, d JobDescriptor) error
	// CancelAll removes every job this application has submitted.
	CancelAll(ctx context.Context) error
}

// DataType is a kind of backed up data.
type DataType string

const (
	DataTypeSMS     DataType = "SMS"
	DataTypeMMS     DataType = "MMS"
	DataTypeCallLog DataType = "CALLLOG"
)

// DataTypeSettings are the per data type switches read from Preferences.
type DataTypeSettings struct {
	Enabled         bool
	TriggerOnChange bool
}

// Preferences is the read-only policy input of BackupJobScheduler. Reads are
// expected to be cheap, synchronous and safe for concurrent use.
type Preferences interface {
	RegularInterval() time.Duration
	IncomingDelay() time.Duration
	WifiOnly() bool
	// DataType looks up the switches of a data type. Unknown types report
	// the zero value (disabled).
	DataType(t DataType) DataTypeSettings
}

// Worker executes the backup itself. It is invoked by the Scheduler once a
// job's constraints are satisfied and is never called by BackupJobScheduler.
type Worker interface {
	Run(ctx context.Context, kind JobKind, payload Payload) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, kind JobKind, payload Payload) error

func (f WorkerFunc) Run(ctx context.Context, kind JobKind, payload Payload) error {
	return f(ctx, kind, payload)
}
