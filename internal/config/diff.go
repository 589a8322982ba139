package config

import (
	"reflect"
	"strings"

	logx "smsbackup/pkg/logx"
)

// Section names returned by ChangedSections.
const (
	SectionLogging     = "logging"
	SectionPreferences = "preferences"
	SectionSources     = "sources"
	SectionNetwork     = "network"
	SectionScheduler   = "scheduler"
	SectionTaskEngine  = "task_engine"
	SectionStorage     = "storage"
	SectionWorker      = "worker"
	SectionMetrics     = "metrics"
)

// ChangedSections lists the top-level sections that differ between oldCfg
// and newCfg, in declaration order.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	pairs := []struct {
		name     string
		old, new any
	}{
		{SectionLogging, oldCfg.Logging, newCfg.Logging},
		{SectionPreferences, oldCfg.Preferences, newCfg.Preferences},
		{SectionSources, oldCfg.Sources, newCfg.Sources},
		{SectionNetwork, oldCfg.Network, newCfg.Network},
		{SectionScheduler, oldCfg.Scheduler, newCfg.Scheduler},
		{SectionTaskEngine, oldCfg.TaskEngine, newCfg.TaskEngine},
		{SectionStorage, oldCfg.Storage, newCfg.Storage},
		{SectionWorker, oldCfg.Worker, newCfg.Worker},
		{SectionMetrics, oldCfg.Metrics, newCfg.Metrics},
	}
	var changed []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.old, p.new) {
			changed = append(changed, p.name)
		}
	}
	return changed
}

// SummaryFields returns safe log fields describing newCfg's changed sections.
// Worker env values are never logged.
func SummaryFields(changed []string, newCfg *Config) []logx.Field {
	if newCfg == nil {
		return nil
	}
	fields := []logx.Field{logx.String("changed", strings.Join(changed, ","))}
	for _, name := range changed {
		switch name {
		case SectionPreferences:
			p := newCfg.Preferences
			fields = append(fields,
				logx.Bool("preferences.auto_backup", p.AutoBackup == nil || *p.AutoBackup),
				logx.String("preferences.regular_interval", p.RegularInterval),
				logx.String("preferences.incoming_delay", p.IncomingDelay),
				logx.Bool("preferences.wifi_only", p.WifiOnly),
			)
		case SectionNetwork:
			fields = append(fields, logx.String("network.mode", newCfg.Network.Mode))
		case SectionStorage:
			fields = append(fields, logx.String("storage.driver", newCfg.Storage.Driver))
		case SectionWorker:
			fields = append(fields, logx.Int("worker.env_count", len(newCfg.Worker.Env)))
		case SectionLogging:
			fields = append(fields, logx.String("logging.level", newCfg.Logging.Level))
		}
	}
	return fields
}
