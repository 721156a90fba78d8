package app

import (
	"context"

	"tasksched/internal/config"
	"tasksched/internal/control"
	logx "tasksched/pkg/logx"
)

// startReload applies configs published by the config watcher.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	_ = a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				cfg = latest(sub, cfg)
				a.applyConfig(last, cfg)
				last = cfg
			}
		}
	})
}

// latest drains sub without blocking and returns the newest config seen.
func latest(sub <-chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cfg
			}
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

func (a *App) applyConfig(old, cur *config.Config) {
	ch := config.Diff(old, cur)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if ch.Logging {
		a.logs.Apply(cur.LogOptions())
	}
	if ch.Scheduler {
		a.sched.Apply(cur.SchedulerOptions())
	}
	if ch.TasksTouched() {
		a.tasksMu.Lock()
		for _, name := range ch.TasksRemoved {
			a.sched.RemoveTaskByName(name)
		}
		for _, name := range ch.TasksChanged {
			a.sched.RemoveTaskByName(name)
		}
		a.tasksMu.Unlock()

		// Execute registers the new definitions from the committed config.
		if !a.paused.Load() {
			a.ctrl.Send(control.Execute)
		}
	}
	a.log.Info("config applied", logx.String("changed", ch.String()), logx.Bool("paused", a.paused.Load()))
}
