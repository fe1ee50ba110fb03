// Package events implements a per-job ordered broadcast channel with a
// bounded history ring buffer, multi-subscriber fan-out, and replay for
// reconnecting clients.
package events

import (
	"sync"
)

// Event is one entry in a job's ordered event log.
type Event struct {
	ID      uint64
	Name    string
	Payload interface{}
}

// subscriberBuffer is the number of events queued per subscriber before
// the oldest queued event is dropped to make room for the newest. Ring
// buffer replay lets a client detect and recover from a drop.
const subscriberBuffer = 64

// endOfStream is the sentinel delivered to every subscriber, current and
// future, once the emitter is closed.
var endOfStream = Event{Name: ""}

// IsEndOfStream reports whether ev is the end-of-stream marker.
func IsEndOfStream(ev Event) bool { return ev.Name == "" }

// Subscriber is a live or replaying sink registered with an Emitter.
type Subscriber struct {
	C  chan Event
	mu sync.Mutex
}

func newSubscriber() *Subscriber {
	return &Subscriber{C: make(chan Event, subscriberBuffer)}
}

// offer delivers ev without blocking. If the subscriber's queue is full,
// the oldest queued event is dropped to make room — the non-blocking
// fan-out contract never stalls the producer.
func (s *Subscriber) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.C <- ev:
			return
		default:
			select {
			case <-s.C:
			default:
			}
		}
	}
}

// Emitter is a per-job ordered event bus. Ids are strictly monotonic
// starting at 1, never reused or rewound. The most recent `capacity`
// events are retained for replay; older events are unrecoverable.
type Emitter struct {
	mu          sync.Mutex
	capacity    int
	counter     uint64
	buffer      []Event
	subscribers map[*Subscriber]struct{}
	closed      bool
}

// NewEmitter returns an Emitter retaining up to capacity buffered events.
func NewEmitter(capacity int) *Emitter {
	if capacity <= 0 {
		capacity = 200
	}
	return &Emitter{
		capacity:    capacity,
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Emit assigns the next event id, appends it to the ring buffer, and
// pushes it to every current subscriber without blocking. It never
// fails, and is a no-op once the emitter is closed.
func (e *Emitter) Emit(name string, payload interface{}) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.counter++
	ev := Event{ID: e.counter, Name: name, Payload: payload}
	e.buffer = append(e.buffer, ev)
	if len(e.buffer) > e.capacity {
		e.buffer = e.buffer[len(e.buffer)-e.capacity:]
	}
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for s := range e.subscribers {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		s.offer(ev)
	}
}

// Subscribe registers a new sink. If lastEventID is non-nil, buffered
// events with id strictly greater than *lastEventID are delivered first,
// in order. If the emitter is already closed, the subscriber receives
// the replay (if any) followed by the end-of-stream marker and is never
// added to the live fan-out set.
func (e *Emitter) Subscribe(lastEventID *uint64) *Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()

	sub := newSubscriber()

	if lastEventID != nil {
		for _, ev := range e.buffer {
			if ev.ID > *lastEventID {
				sub.offer(ev)
			}
		}
	}

	if e.closed {
		sub.offer(endOfStream)
		return sub
	}

	e.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe idempotently removes sink from the live fan-out set.
func (e *Emitter) Unsubscribe(sink *Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subscribers, sink)
}

// Close marks the emitter closed, delivers the end-of-stream marker to
// every current subscriber, and clears the subscriber set. Idempotent.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := make([]*Subscriber, 0, len(e.subscribers))
	for s := range e.subscribers {
		subs = append(subs, s)
	}
	e.subscribers = make(map[*Subscriber]struct{})
	e.mu.Unlock()

	for _, s := range subs {
		s.offer(endOfStream)
	}
}

// Snapshot returns the current buffer contents in order.
func (e *Emitter) Snapshot() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// Closed reports whether Close has been called.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
