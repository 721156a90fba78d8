package scheduler

import (
	"time"

	"golang.org/x/time/rate"

	logx "tasksched/pkg/logx"
)

// reportFailure logs a callback error at Warn at most once per
// FailureWarnEvery per task name, and at Debug otherwise.
func (s *Scheduler) reportFailure(t Task, run uint64, dur time.Duration, err error) {
	fields := []logx.Field{
		logx.String("task", t.Name),
		logx.Int("id", t.ID),
		logx.Uint64("run", run),
		logx.Duration("dur", dur),
		logx.Err(err),
	}
	if s.failureLimiter(t.Name).Allow() {
		s.log.Warn("task failed", fields...)
		return
	}
	s.log.Debug("task failed", fields...)
}

func (s *Scheduler) failureLimiter(name string) *rate.Limiter {
	s.mu.Lock()
	every := s.cfg.FailureWarnEvery
	s.mu.Unlock()
	if every <= 0 {
		every = defaultFailureWarnEvery
	}

	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	lim := s.warnLim[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(every), 1)
		s.warnLim[name] = lim
	}
	return lim
}
