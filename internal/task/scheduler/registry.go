package scheduler

import (
	"time"

	logx "tasksched/pkg/logx"
)

// AddTask registers a one-shot task. It is AddRecurringTask with None().
func (s *Scheduler) AddTask(name string, cb Callback, delay time.Duration) *Scheduler {
	return s.AddRecurringTask(name, cb, delay, None())
}

// AddRecurringTask allocates the next id, stores the task and its callback
// under it and points name at the new id. An existing mapping for name is
// overwritten; the older task stays registered under its own id.
//
// An invalid recurrence or nil callback is logged and nothing is registered.
// It returns s for chaining.
func (s *Scheduler) AddRecurringTask(name string, cb Callback, delay time.Duration, rec Recurrence) *Scheduler {
	if cb == nil {
		s.log.Error("task not added: nil callback", logx.String("task", name))
		return s
	}
	if err := rec.validate(); err != nil {
		s.log.Error("task not added", logx.String("task", name), logx.Err(err))
		return s
	}
	if delay < 0 {
		delay = 0
	}

	id := int(s.lastID.Add(1))
	t := Task{ID: id, Name: name, Delay: delay, Recurrence: rec}

	s.mu.Lock()
	prev, shadowed := s.names[name]
	s.tasks[id] = t
	s.callbacks[id] = cb
	s.names[name] = id
	s.mu.Unlock()

	if shadowed {
		s.log.Warn("task name reused; previous task is only reachable by id",
			logx.String("task", name), logx.Int("id", id), logx.Int("previous_id", prev))
	}
	s.log.Debug("task added", logx.String("task", name), logx.Int("id", id),
		logx.Duration("delay", delay), logx.String("recurrence", rec.String()))
	s.publish(EventAdded, TaskEvent{ID: id, Name: name})
	return s
}

// RemoveTask drops the task with id together with its callback, its name
// mapping and its running handle. A running recurring unit is canceled.
// Unknown ids are a no-op.
func (s *Scheduler) RemoveTask(id int) *Scheduler {
	s.mu.Lock()
	t, ok := s.removeLocked(id)
	h := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	s.afterRemove(id, t, ok, h)
	return s
}

// RemoveTaskByName resolves name and then behaves like RemoveTask.
// Unknown names are a no-op.
func (s *Scheduler) RemoveTaskByName(name string) *Scheduler {
	s.mu.Lock()
	id, found := s.names[name]
	if !found {
		s.mu.Unlock()
		return s
	}
	t, ok := s.removeLocked(id)
	h := s.running[id]
	delete(s.running, id)
	s.mu.Unlock()

	s.afterRemove(id, t, ok, h)
	return s
}

// removeLocked deletes the task, callback, stats and name entry of id.
// Call with s.mu held.
func (s *Scheduler) removeLocked(id int) (Task, bool) {
	t, ok := s.tasks[id]
	delete(s.tasks, id)
	delete(s.callbacks, id)
	delete(s.stats, id)
	if ok {
		if cur, mapped := s.names[t.Name]; mapped && cur == id {
			delete(s.names, t.Name)
		}
	}
	return t, ok
}

func (s *Scheduler) afterRemove(id int, t Task, removed bool, h *runHandle) {
	if h != nil {
		h.cancel()
		s.publish(EventCancelled, TaskEvent{ID: id, Name: t.Name})
	}
	if removed {
		s.log.Debug("task removed", logx.String("task", t.Name), logx.Int("id", id), logx.Bool("was_running", h != nil))
		s.publish(EventRemoved, TaskEvent{ID: id, Name: t.Name})
	}
}

// ListTasks returns the names of all registered tasks. Order is unspecified.
func (s *Scheduler) ListTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Name)
	}
	return out
}

// LastTaskID returns the most recently assigned id. ok is false until the
// first task is added.
func (s *Scheduler) LastTaskID() (id int, ok bool) {
	v := s.lastID.Load()
	return int(v), v > 0
}

// Lookup returns the task the name currently maps to.
func (s *Scheduler) Lookup(name string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.names[name]
	if !ok {
		return Task{}, false
	}
	t, ok := s.tasks[id]
	return t, ok
}
