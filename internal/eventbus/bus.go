package eventbus

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBuffer = 8

// Event is one in-process notification. Data is owned by the publisher and
// must not be mutated after Publish.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory Bus. It starts no goroutines.
func New() Bus { return &fanout{} }

type fanout struct {
	mu   sync.Mutex // guards writers of subs
	subs atomic.Pointer[[]*sink]
}

// sink is one subscriber channel. Its lock orders offers against close.
type sink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *sink) offer(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
	}
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	list := b.subs.Load()
	if list == nil {
		return
	}
	for _, s := range *list {
		s.offer(e)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &sink{ch: make(chan Event, buffer)}

	b.mu.Lock()
	var next []*sink
	if cur := b.subs.Load(); cur != nil {
		next = slices.Clone(*cur)
	}
	next = append(next, s)
	b.subs.Store(&next)
	b.mu.Unlock()

	return s.ch, func() { b.drop(s) }
}

// drop detaches s and closes its channel. Repeated calls are no-ops.
func (b *fanout) drop(s *sink) {
	b.mu.Lock()
	if cur := b.subs.Load(); cur != nil {
		next := slices.DeleteFunc(slices.Clone(*cur), func(x *sink) bool { return x == s })
		b.subs.Store(&next)
	}
	b.mu.Unlock()
	s.close()
}
