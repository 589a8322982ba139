package app

import (
	"fmt"
	"strings"
	"time"

	"smsbackup/internal/config"
	"smsbackup/internal/jobs"
	"smsbackup/internal/netstate"
	"smsbackup/internal/observer"
	"smsbackup/internal/storage"
	"smsbackup/internal/task/engine"
	"smsbackup/internal/task/scheduler"
	logx "smsbackup/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Journal: logx.JournalConfig{
			Enabled:  cfg.Logging.Journal.Enabled,
			MinLevel: cfg.Logging.Journal.MinLevel,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("task_engine.retry_max_delay", te.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	// engine.New fills the remaining zero values with its defaults.
	return engine.Config{
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryMaxDelay:  retryMaxDelay,
	}, nil
}

const defaultStartupSpread = 30 * time.Second

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	// An explicit "0s" disables the spread; only an omitted key gets the default.
	spread := defaultStartupSpread
	if raw := strings.TrimSpace(cfg.Scheduler.StartupSpread); raw != "" {
		d, err := config.ParseDurationField("scheduler.startup_spread", raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		spread = d
	}
	timeout, err := config.ParseDurationOrDefault("scheduler.timeout", cfg.Scheduler.Timeout, 30*time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{StartupSpread: spread, Timeout: timeout}, nil
}

func mapNetworkConfig(cfg *config.Config) (netstate.Config, error) {
	nc := cfg.Network
	poll, err := config.ParseDurationOrDefault("network.poll_interval", nc.PollInterval, netstate.DefaultPollInterval)
	if err != nil {
		return netstate.Config{}, err
	}
	return netstate.Config{
		Mode:              nc.Mode,
		PollInterval:      poll,
		MeteredInterfaces: append([]string(nil), nc.MeteredInterfaces...),
		Static:            netstate.State{Connected: nc.Static.Connected, Metered: nc.Static.Metered},
	}, nil
}

func mapObserverConfig(cfg *config.Config) (observer.Config, error) {
	coalesce, err := config.ParseDurationOrDefault("sources.coalesce", cfg.Sources.Coalesce, observer.DefaultCoalesce)
	if err != nil {
		return observer.Config{}, err
	}
	roots := map[jobs.SourceID]string{}
	if p := strings.TrimSpace(cfg.Sources.SMS); p != "" {
		roots[jobs.SourceSMS] = p
	}
	if p := strings.TrimSpace(cfg.Sources.CallLog); p != "" {
		roots[jobs.SourceCallLog] = p
	}
	return observer.Config{Roots: roots, Coalesce: coalesce}, nil
}

// validateMappings runs every mapping so a hot reload that cannot be applied
// is rejected before commit.
func validateMappings(cfg *config.Config) error {
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNetworkConfig(cfg); err != nil {
		return err
	}
	if _, err := mapObserverConfig(cfg); err != nil {
		return err
	}
	return nil
}
