package control

import (
	"reflect"
	"sync"

	"github.com/xonfour/horizont-sub000/component"
)

type listenerEntry struct {
	listener   component.GeneralEventListener
	categories map[component.Category]bool
}

// listenerSet holds the listeners of one control interface in
// registration order.
type listenerSet struct {
	mu      sync.RWMutex
	entries []listenerEntry
}

func newListenerSet() *listenerSet {
	return &listenerSet{}
}

func (l *listenerSet) add(listener component.GeneralEventListener, categories []component.Category) {
	set := make(map[component.Category]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if sameListener(l.entries[i].listener, listener) {
			l.entries[i].categories = set
			return
		}
	}
	l.entries = append(l.entries, listenerEntry{listener: listener, categories: set})
}

func (l *listenerSet) remove(listener component.GeneralEventListener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		if sameListener(l.entries[i].listener, listener) {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// sameListener compares listeners by value when their type is comparable
// and by the underlying reference for funcs, maps, slices and channels.
// Listeners of any other uncomparable type are never equal, so each of them
// can be registered but not removed.
func sameListener(a, b component.GeneralEventListener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta.Comparable() {
		return equalValues(a, b)
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	default:
		return false
	}
}

// equalValues reports a == b, treating a comparison that panics on an
// uncomparable nested value as unequal.
func equalValues(a, b component.GeneralEventListener) (equal bool) {
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return a == b
}

func (l *listenerSet) matching(c component.Category) []component.GeneralEventListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []component.GeneralEventListener
	for _, e := range l.entries {
		if e.categories[c] {
			out = append(out, e.listener)
		}
	}
	return out
}

// deliver runs on the drain goroutine of the control interface's event
// queue. A panicking listener is logged and does not affect the others.
func (s *Session) deliver(ev component.Event) {
	for _, l := range s.listeners.matching(ev.Category()) {
		s.notify(l, ev)
	}
}

func (s *Session) notify(l component.GeneralEventListener, ev component.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.d.logger.Warn("Event listener panicked",
				"control_interface", s.id, "category", ev.Category(), "panic", r)
		}
	}()
	l.OnGeneralEvent(ev)
}
