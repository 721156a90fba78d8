package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	logx "tasksched/pkg/logx"
)

type dispatch struct {
	task Task
	cb   Callback
	ctx  context.Context
	h    *runHandle // nil for one-shot units
}

// Execute dispatches every task whose callback is still pending and returns
// the number of units spawned. It never waits on delays or intervals.
//
// One-shot tasks are deleted from the registry here. Recurring tasks stay
// listed and get a cancel handle in the running-handle table. Either way the
// callback leaves the store, so a second Execute cannot dispatch it again.
func (s *Scheduler) Execute() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("execute ignored", logx.Any("err", ErrClosed))
		return 0
	}

	ids := make([]int, 0, len(s.callbacks))
	for id := range s.callbacks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	root := s.sup.Context()
	batch := make([]dispatch, 0, len(ids))
	for _, id := range ids {
		t, ok := s.tasks[id]
		cb := s.callbacks[id]
		delete(s.callbacks, id)
		if !ok || cb == nil {
			continue
		}

		if !t.Recurrence.IsRecurring() {
			s.removeLocked(id)
			batch = append(batch, dispatch{task: t, cb: cb, ctx: root})
			continue
		}

		ctx, cancel := context.WithCancel(root)
		h := &runHandle{cancel: cancel, done: make(chan struct{})}
		if old := s.running[id]; old != nil {
			old.cancel()
		}
		s.running[id] = h
		if s.stats[id] == nil {
			s.stats[id] = &runStats{}
		}
		batch = append(batch, dispatch{task: t, cb: cb, ctx: ctx, h: h})
	}
	s.mu.Unlock()

	spawned := 0
	for _, d := range batch {
		name := fmt.Sprintf("task.%s#%d", d.task.Name, d.task.ID)
		err := s.sup.GoContext(d.ctx, name, func(ctx context.Context) error {
			return s.runUnit(ctx, d)
		})
		if err != nil {
			// Close raced with us; the unit never started.
			if d.h != nil {
				d.h.cancel()
				close(d.h.done)
				s.releaseHandle(d.task.ID, d.h)
			}
			s.log.Debug("dispatch aborted", logx.String("task", d.task.Name), logx.Int("id", d.task.ID), logx.Any("err", err))
			continue
		}
		spawned++
		s.log.Debug("task dispatched", logx.String("task", d.task.Name), logx.Int("id", d.task.ID),
			logx.Duration("delay", d.task.Delay), logx.String("recurrence", d.task.Recurrence.String()))
		s.publish(EventDispatched, TaskEvent{ID: d.task.ID, Name: d.task.Name})
	}
	return spawned
}

func (s *Scheduler) runUnit(ctx context.Context, d dispatch) error {
	if d.h != nil {
		defer close(d.h.done)
		defer s.releaseHandle(d.task.ID, d.h)
	}

	if !sleepCtx(ctx, d.task.Delay) {
		return ctx.Err()
	}

	switch d.task.Recurrence.Kind {
	case RecurFixed:
		return s.runFixed(ctx, d)
	case RecurCron:
		return s.runCron(ctx, d)
	default:
		return s.invoke(ctx, d, 1)
	}
}

// runFixed invokes immediately (the delay has already elapsed) and then on
// every interval tick. Invocations never overlap; slow callbacks drop ticks.
func (s *Scheduler) runFixed(ctx context.Context, d dispatch) error {
	tk := time.NewTicker(d.task.Recurrence.Interval)
	defer tk.Stop()

	for run := uint64(1); ; run++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.invoke(ctx, d, run); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context, d dispatch) error {
	for run := uint64(1); ; run++ {
		now := time.Now().In(s.location())
		next := d.task.Recurrence.next(now)
		if next.IsZero() {
			s.log.Warn("cron schedule has no next activation", logx.String("task", d.task.Name), logx.String("spec", d.task.Recurrence.Spec))
			return nil
		}
		if !sleepCtx(ctx, next.Sub(now)) {
			return ctx.Err()
		}
		if err := s.invoke(ctx, d, run); err != nil {
			return err
		}
	}
}

// invoke runs the callback once. Callback errors are reported and swallowed;
// a panic is returned as an error so the unit ends.
func (s *Scheduler) invoke(ctx context.Context, d dispatch, run uint64) (unitErr error) {
	s.mu.Lock()
	timeout := s.cfg.DefaultTimeout
	s.mu.Unlock()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	var cbErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				unitErr = fmt.Errorf("panic: %v", r)
				s.log.Error("task panicked", logx.String("task", d.task.Name), logx.Int("id", d.task.ID),
					logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		cbErr = d.cb(runCtx, d.task)
	}()
	dur := time.Since(start)

	failed := cbErr
	if unitErr != nil {
		failed = unitErr
	}
	s.recordRun(d.task.ID, start, failed, unitErr != nil)

	ev := TaskEvent{ID: d.task.ID, Name: d.task.Name, Run: run, Duration: dur}
	switch {
	case unitErr != nil:
		ev.Error = unitErr.Error()
		s.publish(EventPanicked, ev)
	case cbErr != nil:
		ev.Error = cbErr.Error()
		s.reportFailure(d.task, run, dur, cbErr)
		s.publish(EventFailed, ev)
	default:
		s.log.Trace("task fired", logx.String("task", d.task.Name), logx.Int("id", d.task.ID),
			logx.Uint64("run", run), logx.Duration("dur", dur))
		s.publish(EventFired, ev)
	}
	return unitErr
}

func (s *Scheduler) recordRun(id int, at time.Time, err error, panicked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[id]
	if st == nil {
		return
	}
	st.runs++
	st.lastRun = at
	if err != nil {
		st.failures++
		st.lastErr = err.Error()
	}
	if panicked {
		st.panics++
	}
}

// releaseHandle drops h from the running table unless it has been replaced.
func (s *Scheduler) releaseHandle(id int, h *runHandle) {
	s.mu.Lock()
	if s.running[id] == h {
		delete(s.running, id)
	}
	s.mu.Unlock()
}

func (s *Scheduler) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.Local
	}
	return s.loc
}

// sleepCtx waits for d and reports whether ctx is still live afterwards.
// When the timer and the cancellation are ready together, cancellation wins.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
