package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "tasksched/pkg/logx"
)

// ErrCanceled is returned by Go when the supervisor no longer accepts work.
var ErrCanceled = errors.New("supervisor canceled")

// Supervisor manages goroutines tied to a shared root context.
//   - Named goroutines (for logging/debug)
//   - Panic recovery
//   - Cancel-then-Wait teardown
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	// Best-effort operational counters.
	started uint64
	active  int64
	panics  uint64

	log      logx.Logger
	errOnce  sync.Once
	firstErr atomic.Value // stores error
	doneOnce sync.Once
	doneCh   chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	canceled bool
	// live holds one entry per name with at least one running goroutine.
	live map[string]*gorStats
}

type Option func(*Supervisor)

// Counters exposes best-effort goroutine counters.
// These are operational signals only (not a synchronization primitive).
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
	Panics  uint64 `json:"panics"`
}

// GoroutineStats describes the running goroutines started under one name.
type GoroutineStats struct {
	Name        string    `json:"name"`
	Active      int64     `json:"active"`
	LastStartAt time.Time `json:"last_start_at"`
}

type Snapshot struct {
	Counters   Counters         `json:"counters"`
	FirstError string           `json:"first_error,omitempty"`
	Goroutines []GoroutineStats `json:"goroutines"`
}

type gorStats struct {
	active      int64
	lastStartAt time.Time
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		live:   map[string]*gorStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the root context and stops accepting new goroutines.
// It does not wait for running goroutines to exit.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Supervisor) Err() error {
	v := s.firstErr.Load()
	if v == nil {
		return nil
	}
	if err, ok := v.(error); ok {
		return err
	}
	return nil
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
		Panics:  atomic.LoadUint64(&s.panics),
	}
}

// Snapshot lists the names that currently have running goroutines.
// It is intended for diagnostics, not for synchronization.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	gs := make([]GoroutineStats, 0, len(s.live))
	for name, st := range s.live {
		gs = append(gs, GoroutineStats{Name: name, Active: st.active, LastStartAt: st.lastStartAt})
	}
	s.mu.Unlock()

	sort.Slice(gs, func(i, j int) bool { return gs[i].Name < gs[j].Name })
	snap.Goroutines = gs
	return snap
}

// noteStart records a goroutine under name. Call with s.mu held.
func (s *Supervisor) noteStart(name string) {
	st := s.live[name]
	if st == nil {
		st = &gorStats{}
		s.live[name] = st
	}
	st.active++
	st.lastStartAt = time.Now()
}

// noteStop drops the entry for name once its last goroutine has returned.
func (s *Supervisor) noteStop(name string) {
	s.mu.Lock()
	if st := s.live[name]; st != nil {
		st.active--
		if st.active <= 0 {
			delete(s.live, name)
		}
	}
	s.mu.Unlock()
}

// Go runs fn under the supervisor root context.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) error {
	return s.GoContext(s.ctx, name, fn)
}

// GoContext runs fn with ctx, which should be derived from Context() so that
// Cancel reaches it. It returns ErrCanceled once the supervisor has been canceled.
func (s *Supervisor) GoContext(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return ErrCanceled
	}
	// Add under mu so Wait (which runs only after Cancel) never races an Add.
	s.wg.Add(1)
	s.noteStart(name)
	s.mu.Unlock()

	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)

	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)
		defer s.noteStop(name)

		defer func() {
			if r := recover(); r != nil {
				atomic.AddUint64(&s.panics, 1)
				err := fmt.Errorf("panic in %s: %v", name, r)
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.setErr(err)
			}
		}()

		s.log.Trace("goroutine started", logx.String("name", name))
		err := fn(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.setErr(fmt.Errorf("%s: %w", name, err))
		}
		s.log.Trace("goroutine stopped", logx.String("name", name))
	}()
	return nil
}

// Stop cancels the supervisor and waits for all goroutines to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.Cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx is done.
// Call it only after Cancel.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return nil
	}
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}
