package app

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"tasksched/internal/config"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const (
	commandWaitDelay = 2 * time.Second
	maxOutputLog     = 2048
)

// taskCallback builds the scheduler callback for one configured task.
func taskCallback(tc config.TaskConfig, log logx.Logger) scheduler.Callback {
	msg := strings.TrimSpace(tc.Message)
	argv := slices.Clone(tc.Command)
	log = log.With(logx.String("task", tc.Name))

	return func(ctx context.Context, t scheduler.Task) error {
		if msg != "" {
			log.Info(msg, logx.Int("id", t.ID))
		}
		if len(argv) == 0 {
			return nil
		}
		return runCommand(ctx, log, argv)
	}
}

// runCommand runs argv without a shell. ctx cancellation kills the process.
func runCommand(ctx context.Context, log logx.Logger, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = commandWaitDelay

	start := time.Now()
	out, err := cmd.CombinedOutput()
	out = bytes.TrimSpace(out)
	if len(out) > maxOutputLog {
		out = out[len(out)-maxOutputLog:]
	}
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %w: %s", argv[0], err, out)
		}
		return fmt.Errorf("%s: %w", argv[0], err)
	}
	log.Debug("command finished",
		logx.String("cmd", argv[0]),
		logx.Duration("took", time.Since(start)),
		logx.String("output", string(out)),
	)
	return nil
}

// registerMissing adds every configured task whose name is not registered.
// One-shot tasks leave the registry when dispatched, so they come back here
// and run again on the next Execute.
func (a *App) registerMissing(cfg *config.Config) []string {
	if cfg == nil {
		return nil
	}
	var added []string
	for _, tc := range cfg.Tasks {
		name := strings.TrimSpace(tc.Name)
		if _, ok := a.sched.Lookup(name); ok {
			continue
		}
		delay, err := config.ParseDurationField("delay", tc.Delay)
		if err != nil {
			a.log.Warn("task skipped", logx.String("task", name), logx.Err(err))
			continue
		}
		rec, err := scheduler.ParseRecurrence(tc.Schedule)
		if err != nil {
			a.log.Warn("task skipped", logx.String("task", name), logx.Err(err))
			continue
		}
		a.sched.AddRecurringTask(name, taskCallback(tc, a.log), delay, rec)
		added = append(added, name)
	}
	return added
}

// removeRecurring drops every configured recurring task from the registry.
func (a *App) removeRecurring(cfg *config.Config) int {
	if cfg == nil {
		return 0
	}
	n := 0
	for _, tc := range cfg.Tasks {
		name := strings.TrimSpace(tc.Name)
		if t, ok := a.sched.Lookup(name); ok && t.Recurrence.IsRecurring() {
			a.sched.RemoveTask(t.ID)
			n++
		}
	}
	return n
}
