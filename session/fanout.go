package session

import (
	"sync"
	"sync/atomic"

	"rick-terminal/metrics"
	"rick-terminal/models"
)

// Event is delivered to subscribers. It is either a TickEvent or a StatusEvent.
type Event interface {
	event()
}

type TickEvent struct {
	Username string
	Tick     models.Tick
}

type StatusEvent struct {
	Username string `json:"username"`
	State    State  `json:"state"`
	Message  string `json:"message,omitempty"`
}

func (TickEvent) event()   {}
func (StatusEvent) event() {}

// Subscription receives session events until Close is called.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	owner   *fanout
	once    sync.Once
	dropped atomic.Int64
}

// Dropped is the number of events lost because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.owner.remove(s)
	})
}

type fanout struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func newFanout() *fanout {
	return &fanout{subs: make(map[*Subscription]struct{})}
}

func (f *fanout) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, owner: f}

	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *fanout) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.subs[sub]; ok {
		delete(f.subs, sub)
		close(sub.ch)
	}
}

// publish never blocks. A full subscriber loses the event.
func (f *fanout) publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for sub := range f.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			metrics.IncDropped()
		}
	}
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		delete(f.subs, sub)
		close(sub.ch)
	}
}
