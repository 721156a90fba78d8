package config

// Config is the schedulerd config file. YAML and JSON are both accepted; unknown
// keys are rejected.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Tasks     []TaskConfig    `json:"tasks"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig holds dispatch settings. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// DefaultTimeout bounds each callback run. "0s" or empty disables it.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// Timezone (IANA) for cron schedules. Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
	// FailureWarnEvery throttles repeated failure warnings per task.
	FailureWarnEvery string `json:"failure_warn_every,omitempty"`
}

// TaskConfig declares one task.
//
// Example:
//
//	- name: heartbeat
//	  delay: 2s
//	  schedule: 30s
//	  message: still alive
//	- name: nightly-backup
//	  schedule: "0 3 * * *"
//	  command: ["/usr/local/bin/backup", "--quiet"]
type TaskConfig struct {
	Name string `json:"name"`
	// Delay before the first run (Go duration string).
	Delay string `json:"delay,omitempty"`
	// Schedule is "" / "once", an interval ("30s", "01:30") or a cron spec.
	Schedule string `json:"schedule,omitempty"`
	// Message is logged at Info on every run.
	Message string `json:"message,omitempty"`
	// Command is executed on every run; argv form, no shell.
	Command []string `json:"command,omitempty"`
}
