package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

// Validate reports every problem in cfg, each prefixed with its field path.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if logx.ParseLevel(lvl, logx.Level(-100)) == logx.Level(-100) {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}

	for _, f := range []struct{ path, raw string }{
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"scheduler.failure_warn_every", c.Scheduler.FailureWarnEvery},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	seen := make(map[string]int, len(c.Tasks))
	for i, t := range c.Tasks {
		p := fmt.Sprintf("tasks[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", p))
		} else if j, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: %q already used by tasks[%d]", p, name, j))
		} else {
			seen[name] = i
		}
		if _, err := ParseDurationField(p+".delay", t.Delay); err != nil {
			errs = append(errs, err)
		}
		if _, err := scheduler.ParseRecurrence(t.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("%s.schedule: %w", p, err))
		}
		if strings.TrimSpace(t.Message) == "" && len(t.Command) == 0 {
			errs = append(errs, fmt.Errorf("%s: message or command required", p))
		}
		if len(t.Command) > 0 && strings.TrimSpace(t.Command[0]) == "" {
			errs = append(errs, fmt.Errorf("%s.command: empty executable", p))
		}
	}
	return errors.Join(errs...)
}

// SchedulerOptions converts the scheduler section. Call after Validate.
func (c *Config) SchedulerOptions() scheduler.Config {
	timeout, _ := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	warn, _ := ParseDurationField("scheduler.failure_warn_every", c.Scheduler.FailureWarnEvery)
	return scheduler.Config{
		DefaultTimeout:   timeout,
		Timezone:         strings.TrimSpace(c.Scheduler.Timezone),
		FailureWarnEvery: warn,
	}
}

// LogOptions converts the logging section.
func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}
