package scheduler

import (
	"context"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	"tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

// New returns an empty scheduler. bus may be nil.
//
// The scheduler owns goroutines once Execute runs; release them with Close or
// Shutdown, or use Scoped.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	return newScheduler(context.Background(), cfg, log, bus)
}

func newScheduler(parent context.Context, cfg Config, log logx.Logger, bus eventbus.Bus) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	s := &Scheduler{
		log:       log,
		cfg:       cfg,
		bus:       bus,
		sup:       supervisor.New(parent, supervisor.WithLogger(log)),
		tasks:     map[int]Task{},
		callbacks: map[int]Callback{},
		names:     map[string]int{},
		running:   map[int]*runHandle{},
		stats:     map[int]*runStats{},
		warnLim:   map[string]*rate.Limiter{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

// Scoped builds a scheduler bound to ctx, runs fn with it and closes it on
// every exit path, including a panic in fn. Canceling ctx aborts all units.
func Scoped(ctx context.Context, cfg Config, log logx.Logger, bus eventbus.Bus, fn func(s *Scheduler) error) error {
	s := newScheduler(ctx, cfg, log, bus)
	defer func() { _ = s.Close() }()
	return fn(s)
}

// Apply swaps the config. Running units pick up the new timeout and timezone
// on their next invocation.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocationLocked()
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()

	s.warnMu.Lock()
	s.warnLim = map[string]*rate.Limiter{}
	s.warnMu.Unlock()
}

// Stop cancels every running recurring unit and clears the running-handle
// table, then waits until those units have exited or ctx is done.
//
// Task definitions stay listed; their callbacks were consumed at dispatch.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	handles := s.cancelAll("stop")

	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			s.log.Warn("stop timed out", logx.Int("units", len(handles)), logx.Any("err", ctx.Err()))
			return ctx.Err()
		}
	}
	s.log.Info("scheduler stopped", logx.Int("units", len(handles)), logx.Duration("took", time.Since(start)))
	return nil
}

// Cleanup is Stop without waiting. It never blocks and is safe in teardown paths.
func (s *Scheduler) Cleanup() {
	s.cancelAll("cleanup")
}

// Close tears the scheduler down: it cancels recurring units like Cleanup,
// aborts one-shot units still waiting out their delay, and makes further
// Execute calls no-ops. It does not wait; see Shutdown.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancelAll("close")
	s.sup.Cancel()
	s.log.Debug("scheduler closed")
	return nil
}

// Shutdown closes the scheduler and waits for every unit to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	_ = s.Close()
	if err := s.sup.Wait(ctx); err != nil {
		s.log.Warn("shutdown timed out", logx.Int64("active", s.sup.Counters().Active), logx.Any("err", err))
		return err
	}
	return nil
}

func (s *Scheduler) cancelAll(reason string) []*runHandle {
	s.mu.Lock()
	handles := make([]*runHandle, 0, len(s.running))
	events := make([]TaskEvent, 0, len(s.running))
	for id, h := range s.running {
		handles = append(handles, h)
		events = append(events, TaskEvent{ID: id, Name: s.tasks[id].Name})
	}
	s.running = map[int]*runHandle{}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, ev := range events {
		s.publish(EventCancelled, ev)
	}
	if len(handles) > 0 {
		s.log.Debug("recurring units cancelled", logx.String("reason", reason), logx.Int("units", len(handles)))
	}
	return handles
}

func (s *Scheduler) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (s *Scheduler) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}
