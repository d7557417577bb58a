package avr

import (
	"fmt"
	"sync"
	"time"
)

// EventType identifies an Event.
type EventType string

// Event types emitted by Client.
const (
	EventConnected       EventType = "connected"
	EventDisconnected    EventType = "disconnected"
	EventTimeout         EventType = "timeout"
	EventInputDiscovered EventType = "input-discovered"
	EventStateChanged    EventType = "state-changed"
)

// Event is a notification from the communication layer.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// Host and Port identify the receiver.
	Host string `json:"host"`
	Port int    `json:"port"`

	// Count is the running discovery count (input-discovered only).
	Count int `json:"count,omitempty"`

	// Input is set for input-discovered.
	Input *Input `json:"input,omitempty"`

	// State is set for state-changed.
	State *DeviceState `json:"state,omitempty"`
}

// Handler receives events. Handlers run synchronously on the goroutine that
// produced the event and must not block or call Close.
type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// observers is a registration list of event handlers.
type observers struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// subscribe registers h and returns a function that removes it.
func (o *observers) subscribe(h Handler) func() {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs = append(o.subs, subscription{id: id, handler: h})
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			for i, s := range o.subs {
				if s.id == id {
					o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// emit calls every handler in registration order. A panicking handler is
// reported through onPanic and does not stop the others.
func (o *observers) emit(ev Event, onPanic func(error)) {
	o.mu.RLock()
	subs := o.subs
	o.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && onPanic != nil {
					onPanic(fmt.Errorf("event handler panic: %v", r))
				}
			}()
			s.handler(ev)
		}()
	}
}
