package testutil

import (
	"slices"
	"sync"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/errors"
)

// FakeControlCalls stands in for a control interface session. Only the
// listener methods and State are implemented; any other call panics.
type FakeControlCalls struct {
	component.ControlCalls

	mu        sync.Mutex
	state     component.SystemState
	listeners map[component.GeneralEventListener][]component.Category
	addErr    error
}

// NewFakeControlCalls creates a session reporting state
func NewFakeControlCalls(state component.SystemState) *FakeControlCalls {
	return &FakeControlCalls{
		state:     state,
		listeners: make(map[component.GeneralEventListener][]component.Category),
	}
}

// FailAddListener makes AddListener return err
func (f *FakeControlCalls) FailAddListener(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addErr = err
}

// SetState changes the reported system state
func (f *FakeControlCalls) SetState(state component.SystemState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *FakeControlCalls) State() component.SystemState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FakeControlCalls) AddListener(listener component.GeneralEventListener, categories ...component.Category) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	if len(categories) == 0 {
		categories = component.Categories()
	}
	f.listeners[listener] = categories
	return nil
}

func (f *FakeControlCalls) RemoveListener(listener component.GeneralEventListener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listeners[listener]; !ok {
		return errors.NewBroker("FakeControlCalls", "remove_listener", "listener is not registered")
	}
	delete(f.listeners, listener)
	return nil
}

// Listeners returns the number of registered listeners
func (f *FakeControlCalls) Listeners() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

// Emit delivers ev synchronously to every listener registered for its category
func (f *FakeControlCalls) Emit(ev component.Event) {
	f.mu.Lock()
	var targets []component.GeneralEventListener
	for l, cats := range f.listeners {
		if slices.Contains(cats, ev.Category()) {
			targets = append(targets, l)
		}
	}
	f.mu.Unlock()
	for _, l := range targets {
		l.OnGeneralEvent(ev)
	}
}
