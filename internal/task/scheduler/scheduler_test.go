package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tasksched/internal/eventbus"
	logx "tasksched/pkg/logx"
)

func newTestScheduler(t *testing.T, cfg Config, bus eventbus.Bus) *Scheduler {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func counting(n *atomic.Int64) Callback {
	return func(context.Context, Task) error {
		n.Add(1)
		return nil
	}
}

func noop(context.Context, Task) error { return nil }

func TestLastTaskID_AbsentUntilFirstAdd(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	_, ok := s.LastTaskID()
	require.False(t, ok)

	s.AddTask("a", noop, 0).AddTask("b", noop, 0)
	id, ok := s.LastTaskID()
	require.True(t, ok)
	require.Equal(t, 2, id)
}

func TestAdd_IDsStrictlyIncreasingFromOne(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		s := New(Config{}, logx.Nop(), nil)
		defer s.Close()

		n := rapid.IntRange(1, 40).Draw(rt, "n")
		for i := 1; i <= n; i++ {
			name := rapid.StringMatching(`[a-c]{1,2}`).Draw(rt, "name")
			if rapid.Bool().Draw(rt, "recurring") {
				s.AddRecurringTask(name, noop, 0, Fixed(time.Second))
			} else {
				s.AddTask(name, noop, 0)
			}
			id, ok := s.LastTaskID()
			if !ok || id != i {
				rt.Fatalf("LastTaskID=(%d,%v) after %d adds", id, ok, i)
			}
		}
	})
}

func TestAdd_ConcurrentAddsGetUniqueIDs(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	const workers, per = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				s.AddTask(fmt.Sprintf("w%d-%d", w, i), noop, 0)
			}
		}(w)
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Len(t, snap.Tasks, workers*per)
	for i, it := range snap.Tasks {
		require.Equal(t, i+1, it.ID)
	}
	require.Equal(t, workers*per, snap.LastID)
}

func TestAddRecurringTask_InvalidInputIsNotRegistered(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	s.AddRecurringTask("zero", noop, 0, Fixed(0))
	s.AddRecurringTask("raw-cron", noop, 0, Recurrence{Kind: RecurCron, Spec: "* * * * *"})
	s.AddTask("nil-cb", nil, 0)

	require.Empty(t, s.ListTasks())
	_, ok := s.LastTaskID()
	require.False(t, ok)
}

func TestAddTask_NegativeDelayClamped(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	s.AddTask("a", noop, -time.Second)
	got, ok := s.Lookup("a")
	require.True(t, ok)
	require.Zero(t, got.Delay)
	require.Equal(t, "Task ID: 1", got.String())
}

func TestAdd_NameReuseOverwritesMappingOnly(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	s.AddTask("dup", noop, 0).AddTask("dup", noop, 0)

	got, ok := s.Lookup("dup")
	require.True(t, ok)
	require.Equal(t, 2, got.ID)
	require.ElementsMatch(t, []string{"dup", "dup"}, s.ListTasks())

	// By-name removal reaches only the newest id; the first stays by id.
	s.RemoveTaskByName("dup")
	require.Equal(t, []string{"dup"}, s.ListTasks())
	_, ok = s.Lookup("dup")
	require.False(t, ok)

	s.RemoveTask(1)
	require.Empty(t, s.ListTasks())
}

func TestRemoveTaskByName_UnknownIsNoop(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	s.AddTask("a", noop, 0).AddRecurringTask("b", noop, time.Hour, Fixed(time.Hour))
	before := s.ListTasks()
	sort.Strings(before)

	s.RemoveTaskByName("unknown").RemoveTask(99)

	after := s.ListTasks()
	sort.Strings(after)
	require.Equal(t, before, after)
	id, ok := s.LastTaskID()
	require.True(t, ok)
	require.Equal(t, 2, id)
	_, ok = s.Lookup("a")
	require.True(t, ok)
}

func TestExecute_ReturnsPromptly(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	s.AddTask("later", noop, time.Hour).
		AddRecurringTask("tick", noop, time.Hour, Fixed(time.Hour))

	start := time.Now()
	require.Equal(t, 2, s.Execute())
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestExecute_OneShotLeavesRegistryAndFiresOnce(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	var mu sync.Mutex
	var seen []Task
	cb := func(_ context.Context, tk Task) error {
		mu.Lock()
		seen = append(seen, tk)
		mu.Unlock()
		return nil
	}
	s.AddTask("first", cb, 10*time.Millisecond).AddTask("second", cb, 0)

	require.Equal(t, 2, s.Execute())
	require.Empty(t, s.ListTasks())
	_, ok := s.Lookup("first")
	require.False(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	// Nothing left to dispatch.
	require.Equal(t, 0, s.Execute())
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	names := []string{seen[0].Name, seen[1].Name}
	require.ElementsMatch(t, []string{"first", "second"}, names)
}

func TestExecute_RecurringDispatchedOnce(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	var n atomic.Int64
	s.AddRecurringTask("tick", counting(&n), 0, Fixed(20*time.Millisecond))

	require.Equal(t, 1, s.Execute())
	require.Equal(t, 0, s.Execute())
	require.Equal(t, []string{"tick"}, s.ListTasks())

	snap := s.Snapshot()
	require.Equal(t, 1, snap.Running)
	require.Len(t, snap.Tasks, 1)
	require.False(t, snap.Tasks[0].Pending)
	require.True(t, snap.Tasks[0].Running)
	require.Equal(t, "Fixed(20ms)", snap.Tasks[0].Recurrence)
}

func TestFixed_InvocationCountFollowsDelayAndInterval(t *testing.T) {
	t.Parallel()

	const (
		delay    = 100 * time.Millisecond
		interval = 200 * time.Millisecond
	)
	s := newTestScheduler(t, Config{}, nil)
	var n atomic.Int64
	s.AddRecurringTask("tick", counting(&n), delay, Fixed(interval))
	s.Execute()

	time.Sleep(delay / 2)
	require.Equal(t, int64(0), n.Load(), "fired before delay")

	// Fires at D, D+I, D+2I; sample halfway to D+3I.
	time.Sleep(delay/2 + 2*interval + interval/2)
	require.Equal(t, int64(3), n.Load())
}

func TestStop_NoFurtherInvocations(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	var n atomic.Int64
	s.AddRecurringTask("tick", counting(&n), 0, Fixed(5*time.Millisecond))
	s.Execute()
	require.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	stopped := n.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, stopped, n.Load())

	// Definition stays listed; the running table is empty.
	require.Equal(t, []string{"tick"}, s.ListTasks())
	require.Equal(t, 0, s.Snapshot().Running)
	require.Equal(t, 0, s.Execute())
}

func TestCleanup_NoFurtherInvocations(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	var a, b atomic.Int64
	s.AddRecurringTask("a", counting(&a), 0, Fixed(5*time.Millisecond)).
		AddRecurringTask("b", counting(&b), 0, Fixed(5*time.Millisecond))
	s.Execute()
	require.Eventually(t, func() bool { return a.Load() >= 1 && b.Load() >= 1 }, time.Second, time.Millisecond)

	s.Cleanup()
	// Let any invocation already in flight finish.
	time.Sleep(10 * time.Millisecond)
	ca, cb := a.Load(), b.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, ca, a.Load())
	require.Equal(t, cb, b.Load())
}

func TestClose_AbortsPendingUnitsAndRejectsExecute(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	var once, rec atomic.Int64
	s.AddTask("once", counting(&once), 30*time.Millisecond).
		AddRecurringTask("rec", counting(&rec), 30*time.Millisecond, Fixed(5*time.Millisecond))
	require.Equal(t, 2, s.Execute())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, int64(0), once.Load())
	require.Equal(t, int64(0), rec.Load())

	s.AddTask("after", noop, 0)
	require.Equal(t, 0, s.Execute())
	require.True(t, s.Snapshot().Closed)
}

func TestScoped_TearsDownOnErrorReturn(t *testing.T) {
	t.Parallel()

	var n atomic.Int64
	boom := errors.New("boom")
	err := Scoped(context.Background(), Config{}, logx.Nop(), nil, func(s *Scheduler) error {
		s.AddRecurringTask("tick", counting(&n), 0, Fixed(5*time.Millisecond))
		s.Execute()
		time.Sleep(20 * time.Millisecond)
		return boom
	})
	require.ErrorIs(t, err, boom)

	time.Sleep(10 * time.Millisecond)
	after := n.Load()
	require.Positive(t, after)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, after, n.Load())
}

func TestScoped_ParentCancelAbortsUnits(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Scoped(ctx, Config{}, logx.Nop(), nil, func(s *Scheduler) error {
			s.AddTask("later", counting(&n), 50*time.Millisecond)
			s.Execute()
			<-ctx.Done()
			return nil
		})
	}()
	cancel()
	<-done
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, int64(0), n.Load())
}

func TestRemoveTask_CancelsRunningUnit(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestScheduler(t, Config{}, bus)
	var n atomic.Int64
	s.AddRecurringTask("tick", counting(&n), 0, Fixed(5*time.Millisecond))
	s.Execute()
	require.Eventually(t, func() bool { return n.Load() >= 1 }, time.Second, time.Millisecond)

	s.RemoveTaskByName("tick")
	require.Empty(t, s.ListTasks())
	require.Equal(t, 0, s.Snapshot().Running)

	time.Sleep(10 * time.Millisecond)
	c := n.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, c, n.Load())

	seen := map[string]bool{}
	for len(events) > 0 {
		seen[(<-events).Type] = true
	}
	require.True(t, seen[EventAdded])
	require.True(t, seen[EventDispatched])
	require.True(t, seen[EventFired])
	require.True(t, seen[EventCancelled])
	require.True(t, seen[EventRemoved])
}

func TestPanickingCallback_EndsOnlyItsUnit(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	s := newTestScheduler(t, Config{}, bus)
	var good, bad atomic.Int64
	s.AddRecurringTask("bad", func(context.Context, Task) error {
		bad.Add(1)
		panic("broken task")
	}, 0, Fixed(5*time.Millisecond))
	s.AddRecurringTask("good", counting(&good), 0, Fixed(5*time.Millisecond))
	s.Execute()

	require.Eventually(t, func() bool { return good.Load() >= 5 }, time.Second, time.Millisecond)
	require.Equal(t, int64(1), bad.Load())

	snap := s.Snapshot()
	require.Equal(t, 1, snap.Running)
	for _, it := range snap.Tasks {
		if it.Name == "bad" {
			require.False(t, it.Running)
			require.Equal(t, uint64(1), it.Failures)
			require.Equal(t, uint64(1), it.Panics)
			require.Contains(t, it.LastError, "broken task")
		}
	}
	require.Eventually(t, func() bool { return len(s.Snapshot().Units) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "task.good#2", s.Snapshot().Units[0].Name)

	panicked := false
	for len(events) > 0 {
		if e := <-events; e.Type == EventPanicked {
			panicked = true
			require.Equal(t, "bad", e.Data.(TaskEvent).Name)
		}
	}
	require.True(t, panicked)
}

func TestCallbackError_RecurringKeepsRunning(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(256)
	defer unsub()

	s := newTestScheduler(t, Config{FailureWarnEvery: time.Hour}, bus)
	var n atomic.Int64
	s.AddRecurringTask("flaky", func(context.Context, Task) error {
		n.Add(1)
		return errors.New("downstream unavailable")
	}, 0, Fixed(5*time.Millisecond))
	s.Execute()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	snap := s.Snapshot()
	require.Equal(t, 1, snap.Running)
	require.GreaterOrEqual(t, snap.Tasks[0].Failures, uint64(3))
	require.Equal(t, "downstream unavailable", snap.Tasks[0].LastError)

	var failed TaskEvent
	for failed.Run == 0 {
		if e := <-events; e.Type == EventFailed {
			failed = e.Data.(TaskEvent)
		}
	}
	require.Equal(t, uint64(1), failed.Run)
	require.Equal(t, "downstream unavailable", failed.Error)
}

func TestDefaultTimeout_BoundsInvocation(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{DefaultTimeout: 10 * time.Millisecond}, nil)
	errCh := make(chan error, 1)
	s.AddTask("slow", func(ctx context.Context, _ Task) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}, 0)
	s.Execute()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("callback context never expired")
	}
}

func TestCron_FiresOnSchedule(t *testing.T) {
	t.Parallel()

	rec, err := Cron("* * * * * *")
	require.NoError(t, err)

	s := newTestScheduler(t, Config{Timezone: "UTC"}, nil)
	var n atomic.Int64
	s.AddRecurringTask("every-second", counting(&n), 0, rec)
	s.Execute()

	require.Eventually(t, func() bool { return n.Load() >= 1 }, 2500*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, "UTC", s.Snapshot().Timezone)
}

func TestExecute_RepeatedOneShotsLeaveNoUnitState(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	const rounds = 500
	var n atomic.Int64
	for i := 0; i < rounds; i++ {
		s.AddTask("boot", counting(&n), 0)
		require.Equal(t, 1, s.Execute())
	}
	require.Eventually(t, func() bool { return n.Load() == rounds }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Snapshot().Supervisor.Active == 0 }, time.Second, time.Millisecond)

	snap := s.Snapshot()
	require.Empty(t, snap.Tasks)
	require.Empty(t, snap.Units)
	require.Equal(t, uint64(rounds), snap.Supervisor.Started)
}

// lateCancelCtx reports cancellation through Err while its Done channel never
// fires, the same view a unit gets when its timer and a cancellation race.
type lateCancelCtx struct{ context.Context }

func (lateCancelCtx) Done() <-chan struct{} { return nil }
func (lateCancelCtx) Err() error            { return context.Canceled }

func TestSleepCtx_CancellationWinsOverTimer(t *testing.T) {
	t.Parallel()

	ctx := lateCancelCtx{context.Background()}
	require.False(t, sleepCtx(ctx, time.Millisecond))
	require.False(t, sleepCtx(ctx, 0))
	require.True(t, sleepCtx(context.Background(), time.Millisecond))
}

func TestRunUnit_NoInvocationOnceCanceled(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{Timezone: "UTC"}, nil)
	var n atomic.Int64
	ctx := lateCancelCtx{context.Background()}

	err := s.runUnit(ctx, dispatch{task: Task{ID: 1, Name: "once", Delay: time.Millisecond}, cb: counting(&n)})
	require.ErrorIs(t, err, context.Canceled)

	rec, err := Cron("* * * * * *")
	require.NoError(t, err)
	err = s.runUnit(ctx, dispatch{task: Task{ID: 2, Name: "cron", Recurrence: rec}, cb: counting(&n)})
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, int64(0), n.Load())
}

func TestApply_SwapsTimezoneAndTimeoutAtRuntime(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{Timezone: "UTC"}, nil)
	require.Equal(t, "UTC", s.location().String())

	s.Apply(Config{Timezone: "Asia/Tokyo", DefaultTimeout: 10 * time.Millisecond})
	require.Equal(t, "Asia/Tokyo", s.location().String())
	require.Equal(t, "Asia/Tokyo", s.Snapshot().Timezone)

	errCh := make(chan error, 1)
	s.AddTask("bounded", func(ctx context.Context, _ Task) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}, 0)
	s.Execute()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(time.Second):
		t.Fatal("timeout applied at runtime did not bound the callback")
	}

	s.Apply(Config{Timezone: "Nowhere/City"})
	require.Equal(t, time.Local, s.location())
}

func TestStop_ReturnsContextErrorWhenUnitsLinger(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{}, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	s.AddRecurringTask("stubborn", func(context.Context, Task) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, 0, Fixed(time.Hour))
	s.Execute()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	require.Equal(t, 0, s.Snapshot().Running)

	close(release)
	require.Eventually(t, func() bool { return s.Snapshot().Supervisor.Active == 0 }, time.Second, time.Millisecond)
}
