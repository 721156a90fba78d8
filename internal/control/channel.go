package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	logx "tasksched/pkg/logx"
)

var (
	// ErrClosed is passed to the error handler when the producer side is
	// closed before a Shutdown action arrives.
	ErrClosed           = errors.New("control channel closed")
	ErrAlreadyListening = errors.New("control channel already has a listener")
)

// Action is a scheduler-wide control signal. It carries no task identity.
type Action int

const (
	Execute Action = iota
	Paused
	Shutdown
)

func (a Action) String() string {
	switch a {
	case Execute:
		return "Execute"
	case Paused:
		return "Paused"
	case Shutdown:
		return "Shutdown"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction maps "execute", "paused"/"pause" and "shutdown" (any case) to an Action.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "execute":
		return Execute, nil
	case "paused", "pause":
		return Paused, nil
	case "shutdown":
		return Shutdown, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// Channel is a many-producer, single-consumer pipe of Actions.
//
// Send never blocks: actions queue until the listener takes them. Exactly one
// listener may run per Channel.
type Channel struct {
	log logx.Logger

	mu        sync.Mutex
	queue     []Action
	closed    bool // producer side closed
	listening bool
	finished  bool // listener exited; further sends are dropped

	notify chan struct{} // 1-slot wakeup for the listener
	done   chan struct{}
}

type Option func(*Channel)

func WithLogger(log logx.Logger) Option {
	return func(c *Channel) { c.log = log }
}

func New(opts ...Option) *Channel {
	c := &Channel{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.With(logx.String("comp", "control"))
	return c
}

// Send enqueues a. It is dropped silently once the channel is closed or the
// listener has exited.
func (c *Channel) Send(a Action) {
	c.mu.Lock()
	if c.closed || c.finished {
		c.mu.Unlock()
		c.log.Trace("action dropped", logx.String("action", a.String()))
		return
	}
	c.queue = append(c.queue, a)
	c.mu.Unlock()
	c.wake()
}

// Close closes the producer side. Actions already queued are still delivered;
// after the last one the listener reports ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if !already {
		c.wake()
	}
}

// Done is closed when the listener loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Listen starts the single consumer loop in its own goroutine.
//
// For every action other than Shutdown, onAction runs synchronously on the
// listener goroutine. Shutdown ends the loop without calling either handler.
// If the channel is closed and drained first, onError(ErrClosed) runs once and
// the loop ends. Canceling ctx ends the loop without calling either handler.
func (c *Channel) Listen(ctx context.Context, onAction func(Action), onError func(error)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return ErrAlreadyListening
	}
	c.listening = true
	c.mu.Unlock()

	go c.loop(ctx, onAction, onError)
	return nil
}

func (c *Channel) loop(ctx context.Context, onAction func(Action), onError func(error)) {
	defer close(c.done)
	defer func() {
		c.mu.Lock()
		c.finished = true
		c.queue = nil
		c.mu.Unlock()
	}()

	c.log.Debug("listener started")
	for {
		a, err := c.recv(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				c.log.Warn("listener stopped", logx.Err(err))
				if onError != nil {
					onError(err)
				}
				return
			}
			c.log.Debug("listener canceled", logx.Err(err))
			return
		}
		if a == Shutdown {
			c.log.Debug("listener shutdown")
			return
		}
		c.handle(a, onAction)
	}
}

// recv blocks for the next action. It returns ErrClosed once the queue is
// empty and the producer side is closed, or ctx.Err().
func (c *Channel) recv(ctx context.Context) (Action, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			a := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return a, nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return 0, ErrClosed
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.notify:
		}
	}
}

func (c *Channel) handle(a Action, onAction func(Action)) {
	if onAction == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("action handler panicked", logx.String("action", a.String()),
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	onAction(a)
}

func (c *Channel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
