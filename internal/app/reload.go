package app

import (
	"context"
	"slices"

	"smsbackup/internal/config"
	logx "smsbackup/pkg/logx"
)

// Sections that are only read at startup.
var restartSections = []string{config.SectionStorage, config.SectionWorker, config.SectionSources, config.SectionMetrics}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections := config.ChangedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := config.SummaryFields(sections, next)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if slices.Contains(sections, config.SectionLogging) {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if slices.Contains(sections, config.SectionTaskEngine) {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}
	if slices.Contains(sections, config.SectionScheduler) {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.sched.Apply(sc)
		}
	}
	if slices.Contains(sections, config.SectionNetwork) {
		if nc, err := mapNetworkConfig(next); err != nil {
			a.log.Warn("invalid network config; keeping previous", logx.Err(err))
		} else {
			a.net.Apply(nc)
		}
	}
	// Preferences last so rescheduling sees the new engine and scheduler settings.
	if slices.Contains(sections, config.SectionPreferences) {
		if err := a.prefs.Apply(next.Preferences); err != nil {
			a.log.Warn("invalid preferences; keeping previous", logx.Err(err))
		} else if err := a.applySchedule(ctx); err != nil {
			a.log.Error("failed to reschedule backups", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}
