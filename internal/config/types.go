package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// Durations are Go duration strings ("90s", "2h"). Omitted fields take the
// defaults documented per section.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Preferences PreferencesConfig `json:"preferences"`
	Sources     SourcesConfig     `json:"sources"`
	Network     NetworkConfig     `json:"network"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	TaskEngine  TaskEngineConfig  `json:"task_engine"`
	Storage     StorageConfig     `json:"storage"`
	Worker      WorkerConfig      `json:"worker"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type LoggingConfig struct {
	Level   string         `json:"level" validate:"omitempty,loglevel"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Journal LoggingJournal `json:"journal"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingJournal forwards lines to systemd-journald. min_level defaults to
// "info".
type LoggingJournal struct {
	Enabled  bool   `json:"enabled"`
	MinLevel string `json:"min_level,omitempty" validate:"omitempty,loglevel"`
}

// PreferencesConfig holds the user's backup preferences.
//
// Defaults:
//   - auto_backup: true
//   - regular_interval: "2h"
//   - incoming_delay: "3m"
//   - wifi_only: false
//   - data_types: SMS and CALLLOG enabled, MMS disabled, no trigger_on_change
//
// data_types keys are SMS, MMS and CALLLOG, matched case-insensitively.
type PreferencesConfig struct {
	// AutoBackup is a pointer so an omitted key keeps the default (enabled).
	AutoBackup      *bool                     `json:"auto_backup,omitempty"`
	RegularInterval string                    `json:"regular_interval,omitempty" validate:"omitempty,duration"`
	IncomingDelay   string                    `json:"incoming_delay,omitempty" validate:"omitempty,duration"`
	WifiOnly        bool                      `json:"wifi_only"`
	DataTypes       map[string]DataTypeConfig `json:"data_types,omitempty" validate:"dive,keys,datatype,endkeys"`
}

type DataTypeConfig struct {
	Enabled         *bool `json:"enabled,omitempty"`
	TriggerOnChange bool  `json:"trigger_on_change"`
}

// SourcesConfig maps watched sources to directories on disk. A source with
// no root is never observed.
type SourcesConfig struct {
	SMS     string `json:"sms,omitempty"`
	CallLog string `json:"calllog,omitempty"`
	// Coalesce merges bursts of change notifications per source.
	// Default "1s".
	Coalesce string `json:"coalesce,omitempty" validate:"omitempty,duration"`
}

// NetworkConfig controls connectivity evaluation.
//
// mode "auto" probes network interfaces every poll_interval (default "10s");
// interfaces whose name matches one of metered_interfaces (globs, default
// ["wwan*", "rmnet*", "ppp*"]) count as metered. mode "static" uses the
// static block as-is.
type NetworkConfig struct {
	Mode              string        `json:"mode,omitempty" validate:"omitempty,oneof=auto static"`
	PollInterval      string        `json:"poll_interval,omitempty" validate:"omitempty,duration"`
	MeteredInterfaces []string      `json:"metered_interfaces,omitempty" validate:"dive,required"`
	Static            StaticNetwork `json:"static"`
}

type StaticNetwork struct {
	Connected bool `json:"connected"`
	Metered   bool `json:"metered"`
}

// SchedulerConfig controls job triggering.
type SchedulerConfig struct {
	// StartupSpread caps the random delay added to the first periodic run.
	// Default "30s"; "0s" disables.
	StartupSpread string `json:"startup_spread,omitempty" validate:"omitempty,duration"`
	// Timeout bounds a single worker run. Default "30m".
	Timeout string `json:"timeout,omitempty" validate:"omitempty,duration"`
}

// TaskEngineConfig controls the task execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 5
//   - retry_max_delay: "1h"
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0,lte=64"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty" validate:"omitempty,duration"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty" validate:"omitempty,duration"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty" validate:"omitempty,duration"`
}

// StorageConfig controls job persistence.
//
//	"storage": { "driver": "sqlite", "path": "./smsbackup.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
}

// WorkerConfig selects how a job execution runs the backup. Set exactly one
// of Command (run a local process) or Unit (start a systemd oneshot unit;
// "%k" in the name expands to the lower-case job kind, e.g.
// "smsbackup-run@%k.service").
type WorkerConfig struct {
	Command  string            `json:"command,omitempty"`
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Unit     string            `json:"unit,omitempty" validate:"omitempty,endswith=.service"`
	UserUnit bool              `json:"user_unit"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
//
// pprof mounts the Go profiler under /debug/pprof/ on the same listener. A
// non-loopback addr then requires token.
type MetricsConfig struct {
	Addr  string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Path  string `json:"path,omitempty" validate:"omitempty,startswith=/"`
	Pprof bool   `json:"pprof"`
	Token string `json:"token,omitempty"`
}
