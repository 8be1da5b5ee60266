package health

import (
	"sync"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/event"
)

// SystemComponent names the status derived from the system state
const SystemComponent = "system"

// Monitor derives component health from framework events
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update sets the status of a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status.Component = name
	m.statuses[name] = status
}

// Get returns the status of a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove stops tracking a component
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// Aggregate returns the combined status of everything tracked
func (m *Monitor) Aggregate(name string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	m.mu.RUnlock()
	return Aggregate(name, subs)
}

// ObserveState records the system state
func (m *Monitor) ObserveState(state component.SystemState) {
	switch state {
	case component.StateRunning:
		m.Update(SystemComponent, NewHealthy(SystemComponent, state.String()))
	case component.StateError, component.StateExiting:
		m.Update(SystemComponent, NewUnhealthy(SystemComponent, state.String()))
	default:
		m.Update(SystemComponent, NewDegraded(SystemComponent, state.String()))
	}
}

// Observe updates the monitor from one framework event. Events of other
// categories are ignored.
func (m *Monitor) Observe(ev component.Event) {
	switch e := ev.(type) {
	case *event.StateChange:
		m.ObserveState(e.To)
	case *event.ModuleUpdate:
		m.observeModule(e)
	}
}

func (m *Monitor) observeModule(e *event.ModuleUpdate) {
	name := e.Kind.String() + "/" + e.ComponentID
	msg := e.Action.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	switch e.Action {
	case event.ModuleRemoved:
		m.Remove(name)
	case event.ModuleFailInit, event.ModuleFailStart, event.ModuleFailStop:
		m.Update(name, NewUnhealthy(name, msg))
	case event.ModuleFailRespond:
		m.Update(name, NewDegraded(name, msg))
	case event.ModuleRights:
		// rights changes say nothing about health
	default:
		m.Update(name, NewHealthy(name, msg))
	}
}
