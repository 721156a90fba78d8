package scheduler

import "sort"

// Snapshot returns a point-in-time view of the registry for diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	closed := s.closed
	tz := s.cfg.Timezone
	if tz == "" && s.loc != nil {
		tz = s.loc.String()
	}
	running := len(s.running)
	items := make([]TaskInfo, 0, len(s.tasks))
	for id, t := range s.tasks {
		_, pending := s.callbacks[id]
		_, isRunning := s.running[id]
		it := TaskInfo{
			ID:         id,
			Name:       t.Name,
			Delay:      t.Delay,
			Recurrence: t.Recurrence.String(),
			Pending:    pending,
			Running:    isRunning,
		}
		if st := s.stats[id]; st != nil {
			it.Runs = st.runs
			it.Failures = st.failures
			it.Panics = st.panics
			it.LastRun = st.lastRun
			it.LastError = st.lastErr
		}
		items = append(items, it)
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	lastID, _ := s.LastTaskID()
	sup := s.sup.Snapshot()

	return Snapshot{
		Closed:     closed,
		Timezone:   tz,
		LastID:     lastID,
		Running:    running,
		Tasks:      items,
		Supervisor: sup.Counters,
		Units:      sup.Goroutines,
	}
}
