package jobs

import (
	"context"
	"fmt"
	"time"
)

// IncomingBackoffDelay is the base retry delay of Incoming jobs.
const IncomingBackoffDelay = 30 * time.Second

// changeTrigger binds a data type to the source whose changes trigger an
// Incoming backup. Required triggers are watched regardless of preferences.
type changeTrigger struct {
	dataType DataType
	source   SourceID
	required bool
}

var changeTriggers = []changeTrigger{
	{dataType: DataTypeSMS, source: SourceSMS, required: true},
	{dataType: DataTypeCallLog, source: SourceCallLog},
}

// BackupJobScheduler translates the current preferences into job descriptors
// and hands them to a Scheduler. It keeps no state between calls.
type BackupJobScheduler struct {
	prefs     Preferences
	scheduler Scheduler
}

func NewBackupJobScheduler(prefs Preferences, scheduler Scheduler) *BackupJobScheduler {
	return &BackupJobScheduler{prefs: prefs, scheduler: scheduler}
}

// CancelAll asks the Scheduler to drop every job of this application.
func (b *BackupJobScheduler) CancelAll(ctx context.Context) error {
	return b.scheduler.CancelAll(ctx)
}

// ScheduleRegular submits the periodic backup job.
func (b *BackupJobScheduler) ScheduleRegular(ctx context.Context) error {
	d, err := b.RegularJob()
	if err != nil {
		return err
	}
	return b.scheduler.Submit(ctx, d)
}

// ScheduleOnChange submits the one-shot job fired by new incoming data.
func (b *BackupJobScheduler) ScheduleOnChange(ctx context.Context) error {
	return b.scheduler.Submit(ctx, b.IncomingJob())
}

// RegularJob builds the descriptor ScheduleRegular submits.
func (b *BackupJobScheduler) RegularJob() (JobDescriptor, error) {
	every := b.prefs.RegularInterval()
	if every <= 0 {
		return JobDescriptor{}, fmt.Errorf("%w: regular interval %s", ErrInvalidPreferenceValue, every)
	}
	return NewPeriodic(Regular, every, b.constraints(Regular)), nil
}

// IncomingJob builds the descriptor ScheduleOnChange submits.
func (b *BackupJobScheduler) IncomingJob() JobDescriptor {
	return NewOneShot(
		Incoming,
		b.prefs.IncomingDelay(),
		BackoffPolicy{Strategy: BackoffExponential, InitialDelay: IncomingBackoffDelay},
		b.constraints(Incoming),
		Payload{},
	)
}

func (b *BackupJobScheduler) constraints(kind JobKind) Constraints {
	c := Constraints{RequiredConnectivity: AnyConnected}
	if b.prefs.WifiOnly() {
		c.RequiredConnectivity = UnmeteredOnly
	}
	if kind != Incoming {
		return c
	}
	for _, t := range changeTriggers {
		if !t.required {
			s := b.prefs.DataType(t.dataType)
			if !s.Enabled || !s.TriggerOnChange {
				continue
			}
		}
		c.WatchedSources = append(c.WatchedSources, WatchedSource{Source: t.source, TriggerOnDescendantChange: true})
	}
	return c
}
