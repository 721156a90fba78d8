package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tasksched/internal/config"
	"tasksched/internal/control"
	"tasksched/internal/eventbus"
	"tasksched/internal/runtime/supervisor"
	"tasksched/internal/task/scheduler"
	logx "tasksched/pkg/logx"
)

const pauseTimeout = 3 * time.Second

// App is the schedulerd process: config, logging, one scheduler and the
// control channel that drives it.
type App struct {
	cfgm *config.Manager

	base logx.Logger // root logger handed to components
	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	ctrl  *control.Channel
	sup   *supervisor.Supervisor
	sched *scheduler.Scheduler

	// notify reports service state to the init system.
	notify func(state string)

	// tasksMu serializes registry edits from control actions and reloads.
	tasksMu    sync.Mutex
	paused     atomic.Bool
	controlErr atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, base := logx.NewService(cfg.LogOptions())
	cfgm.SetLogger(base)

	a := &App{
		cfgm: cfgm,
		base: base,
		log:  base.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		ctrl: control.New(control.WithLogger(base)),
	}
	a.notify = a.sdNotify
	return a, nil
}

// Control returns the channel that drives the scheduler. Sends are safe from
// any goroutine.
func (a *App) Control() *control.Channel { return a.ctrl }

// Run blocks until ctx is canceled or a Shutdown action arrives, then tears
// everything down.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgm.Get()
	return scheduler.Scoped(ctx, cfg.SchedulerOptions(), a.base, a.bus, func(s *scheduler.Scheduler) error {
		a.sched = s
		return a.serve(ctx)
	})
}

func (a *App) serve(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.startEventLog()
	a.startReload()
	_ = a.sup.Go("config.watch", a.cfgm.Watch)
	a.startSignals()

	// The listener outlives ctx so a canceled ctx can still deliver Shutdown.
	if err := a.ctrl.Listen(context.WithoutCancel(ctx), a.onAction, a.onControlError); err != nil {
		a.sup.Cancel()
		return err
	}
	a.notify(daemon.SdNotifyReady)
	a.ctrl.Send(control.Execute)
	a.log.Info("schedulerd started", logx.String("config", a.cfgm.Path()))

	var reason StopReason
	select {
	case <-ctx.Done():
		reason = StopSignal
		a.ctrl.Send(control.Shutdown)
	case <-a.ctrl.Done():
		reason = StopControl
		if a.controlErr.Load() {
			reason = StopControlClosed
		}
	}
	return a.stop(reason)
}

func (a *App) onAction(act control.Action) {
	switch act {
	case control.Execute:
		a.tasksMu.Lock()
		added := a.registerMissing(a.cfgm.Get())
		n := a.sched.Execute()
		a.tasksMu.Unlock()
		a.paused.Store(false)
		a.log.Info("execute", logx.Int("registered", len(added)), logx.Int("dispatched", n))

	case control.Paused:
		stopCtx, cancel := context.WithTimeout(context.Background(), pauseTimeout)
		err := a.sched.Stop(stopCtx)
		cancel()
		a.tasksMu.Lock()
		n := a.removeRecurring(a.cfgm.Get())
		a.tasksMu.Unlock()
		a.paused.Store(true)
		if err != nil {
			a.log.Warn("paused; some units still unwinding", logx.Int("removed", n), logx.Err(err))
			return
		}
		a.log.Info("paused", logx.Int("removed", n))
	}
}

func (a *App) onControlError(err error) {
	a.controlErr.Store(true)
	a.log.Warn("control channel closed; shutting down", logx.Err(err))
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	_ = a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				ev, _ := e.Data.(scheduler.TaskEvent)
				a.log.Trace("event",
					logx.String("type", e.Type),
					logx.String("task", ev.Name),
					logx.Int("id", ev.ID),
					logx.Time("at", e.Time),
				)
			}
		}
	})
}

func (a *App) sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	a.log.Trace("sd_notify", logx.String("state", state), logx.Bool("sent", sent))
}

// stop runs each shutdown step with its own bound so one stuck component
// cannot stall the rest.
func (a *App) stop(reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	ctx := context.Background()
	a.step(ctx, "control", time.Second, func(c context.Context) error {
		a.ctrl.Close()
		select {
		case <-a.ctrl.Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "scheduler", 3*time.Second, a.sched.Shutdown)
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Stop)

	err := a.sup.Err()
	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return err
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	if err := fn(stepCtx); err != nil {
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
}
