package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tasksched/internal/eventbus"
	"tasksched/internal/runtime/supervisor"
	logx "tasksched/pkg/logx"
)

var (
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrClosed            = errors.New("scheduler closed")
)

// Event types published on the bus.
const (
	EventAdded      = "task.added"
	EventDispatched = "task.dispatched"
	EventFired      = "task.fired"
	EventFailed     = "task.failed"
	EventPanicked   = "task.panicked"
	EventCancelled  = "task.cancelled"
	EventRemoved    = "task.removed"
)

// Config controls dispatch behavior. The zero value is usable.
type Config struct {
	// DefaultTimeout bounds each callback invocation. 0 disables it.
	DefaultTimeout time.Duration
	// Timezone is the IANA zone used for cron recurrences. Empty means Local.
	Timezone string
	// FailureWarnEvery throttles Warn-level logs of callback errors per task.
	// 0 means the default of 5s.
	FailureWarnEvery time.Duration
}

const defaultFailureWarnEvery = 5 * time.Second

// Task describes a registered unit of work. It is plain data: the callback
// lives in the scheduler's callback store keyed by ID.
type Task struct {
	ID         int
	Name       string
	Delay      time.Duration
	Recurrence Recurrence
}

func (t Task) String() string { return fmt.Sprintf("Task ID: %d", t.ID) }

// Callback is invoked with a snapshot of its Task each time the task fires.
// ctx is canceled when the task is stopped or removed.
type Callback func(ctx context.Context, t Task) error

// TaskEvent is the Data payload of every task.* bus event.
type TaskEvent struct {
	ID       int           `json:"id"`
	Name     string        `json:"name"`
	Run      uint64        `json:"run,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type TaskInfo struct {
	ID         int
	Name       string
	Delay      time.Duration
	Recurrence string
	Pending    bool // callback still in the store
	Running    bool // recurring unit holds a handle
	Runs       uint64
	Failures   uint64 // callback errors and panics
	Panics     uint64
	LastRun    time.Time
	LastError  string
}

type Snapshot struct {
	Closed     bool
	Timezone   string
	LastID     int
	Running    int
	Tasks      []TaskInfo
	Supervisor supervisor.Counters
	// Units lists the unit goroutines alive right now, by unit name.
	Units []supervisor.GoroutineStats
}

// runHandle is the cancellation capability of a dispatched recurring unit.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type runStats struct {
	runs     uint64
	failures uint64
	panics   uint64
	lastRun  time.Time
	lastErr  string
}

// Scheduler is the task registry and execution dispatcher.
// All methods are safe for concurrent use.
type Scheduler struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	sup *supervisor.Supervisor

	lastID atomic.Int64

	tasks     map[int]Task
	callbacks map[int]Callback
	names     map[string]int
	running   map[int]*runHandle
	stats     map[int]*runStats
	closed    bool

	// Failure warn throttling: key is task name.
	warnMu  sync.Mutex
	warnLim map[string]*rate.Limiter
}
