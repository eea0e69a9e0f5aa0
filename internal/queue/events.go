package queue

import (
	"sync"
	"time"
)

// EventType enumerates queue lifecycle events.
type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventDelivered    EventType = "delivered"
	EventAcknowledged EventType = "acknowledged"
	EventFailed       EventType = "failed"
	EventExpired      EventType = "expired"
)

// Event describes a message lifecycle transition.
type Event struct {
	Type      EventType
	Message   *Message
	Timestamp time.Time
}

const subscriberBuffer = 64

// emitter fans queue events out to subscribers over buffered channels.
// A slow subscriber loses its oldest events rather than blocking the
// dispatcher.
type emitter struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEmitter() *emitter {
	return &emitter{subs: make(map[int]chan Event)}
}

// subscribe returns an event channel and a detach function. The channel
// is closed on detach or when the emitter shuts down.
func (e *emitter) subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

// emit publishes to every subscriber, dropping the oldest buffered event
// when a channel is full.
func (e *emitter) emit(eventType EventType, msg *Message) {
	event := Event{Type: eventType, Message: msg, Timestamp: time.Now().UTC()}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		delete(e.subs, id)
		close(ch)
	}
}
