package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type RecurrenceKind int

const (
	RecurNone RecurrenceKind = iota
	RecurFixed
	RecurCron
)

// Recurrence is the firing policy of a task: once, every fixed interval, or on
// a cron schedule.
type Recurrence struct {
	Kind     RecurrenceKind
	Interval time.Duration // RecurFixed
	Spec     string        // RecurCron

	sched cron.Schedule
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// None fires the task once, after its delay.
func None() Recurrence { return Recurrence{Kind: RecurNone} }

// Fixed fires the task after its delay and then every interval until canceled.
// A non-positive interval is rejected by AddRecurringTask.
func Fixed(interval time.Duration) Recurrence {
	return Recurrence{Kind: RecurFixed, Interval: interval}
}

// Cron fires the task at every time matching spec, after its delay has passed.
func Cron(spec string) (Recurrence, error) {
	spec = strings.TrimSpace(spec)
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return Recurrence{}, fmt.Errorf("%w: cron %q: %v", ErrInvalidRecurrence, spec, err)
	}
	return Recurrence{Kind: RecurCron, Spec: spec, sched: sched}, nil
}

func (r Recurrence) IsRecurring() bool { return r.Kind != RecurNone }

func (r Recurrence) validate() error {
	switch r.Kind {
	case RecurNone:
		return nil
	case RecurFixed:
		if r.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", ErrInvalidRecurrence)
		}
		return nil
	case RecurCron:
		if r.sched == nil {
			return fmt.Errorf("%w: cron recurrence must be built with Cron()", ErrInvalidRecurrence)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidRecurrence, r.Kind)
	}
}

// next returns the next cron activation strictly after t.
func (r Recurrence) next(t time.Time) time.Time {
	if r.sched == nil {
		return time.Time{}
	}
	return r.sched.Next(t)
}

func (r Recurrence) String() string {
	switch r.Kind {
	case RecurFixed:
		return "Fixed(" + r.Interval.String() + ")"
	case RecurCron:
		return "Cron(" + r.Spec + ")"
	default:
		return "None"
	}
}
