package testutil

import (
	"sync"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
)

// EventRecorder is an event.Publisher that keeps every published event
type EventRecorder struct {
	mu     sync.Mutex
	events []component.Event
}

// Publish records ev
func (r *EventRecorder) Publish(ev component.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns the recorded events in publication order
func (r *EventRecorder) Events() []component.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]component.Event(nil), r.events...)
}

// ConnectionActions returns the actions published for one connection
func (r *EventRecorder) ConnectionActions(key component.ConnectionKey) []event.ConnectionAction {
	var out []event.ConnectionAction
	for _, ev := range r.Events() {
		if u, ok := ev.(*event.ConnectionUpdate); ok && u.Connection.ConnectionKey == key {
			out = append(out, u.Action)
		}
	}
	return out
}

// ModuleActions returns the actions published for one component
func (r *EventRecorder) ModuleActions(id string) []event.ModuleAction {
	var out []event.ModuleAction
	for _, ev := range r.Events() {
		if u, ok := ev.(*event.ModuleUpdate); ok && u.ComponentID == id {
			out = append(out, u.Action)
		}
	}
	return out
}

// Reset forgets the recorded events
func (r *EventRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
