package app

import (
	"context"
	"fmt"

	"smsbackup/internal/config"
	"smsbackup/internal/jobs"
	"smsbackup/internal/prefs"
	"smsbackup/internal/storage"
	logx "smsbackup/pkg/logx"
)

// Plan is what the daemon would schedule for a config.
type Plan struct {
	AutoBackup bool                 `json:"auto_backup"`
	CancelAll  bool                 `json:"cancel_all"`
	Jobs       []jobs.JobDescriptor `json:"jobs"`
}

type recordingScheduler struct{ plan *Plan }

func (r recordingScheduler) Submit(_ context.Context, d jobs.JobDescriptor) error {
	r.plan.Jobs = append(r.plan.Jobs, d)
	return nil
}

func (r recordingScheduler) CancelAll(context.Context) error {
	r.plan.CancelAll = true
	return nil
}

// BuildPlan runs the startup scheduling decision against a recorder.
func BuildPlan(ctx context.Context, cfg *config.Config) (Plan, error) {
	values, err := prefs.FromConfig(cfg.Preferences)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{AutoBackup: values.AutoBackup}
	b := jobs.NewBackupJobScheduler(prefs.NewStore(values), recordingScheduler{plan: &p})
	if !values.AutoBackup {
		return p, b.CancelAll(ctx)
	}
	if err := b.ScheduleRegular(ctx); err != nil {
		return Plan{}, err
	}
	if err := b.ScheduleOnChange(ctx); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// ClearPersistedJobs removes every stored job so the next start only
// schedules what the preferences ask for.
func ClearPersistedJobs(ctx context.Context, cfg *config.Config, log logx.Logger) (int, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return 0, err
	}
	if !enabled {
		return 0, storage.ErrDisabled
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	recs, err := st.ListJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	if err := st.DeleteAllJobs(ctx); err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return len(recs), nil
}
