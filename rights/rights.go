// Package rights holds the capability bitmask of every live component and
// answers authorization queries for the dispatchers.
package rights

import (
	"math/bits"
	"sort"
	"sync"

	"github.com/xonfour/horizont-sub000/errors"
)

// Module rights gate module-to-module calls.
const (
	Read = 1 << iota
	Write
	Manage // move, delete, create-folder
	Lock
	Subscribe
	ModuleCommand
	SendState
	StreamListener
)

// Control interface rights gate the control API and event categories.
const (
	ManageModules = 1 << (iota + 16)
	ManageControlInterfaces
	ManageConnections
	ModuleControl
	SystemControl
	ConfigImportExport
	ViewConfiguration
	ReceiveLog
	ReceiveState
	ReceiveActivity
	ReceiveConnections
	ReceiveModules
	ReceivePorts
	MayMissEvents
)

// Convenience masks
const (
	None       = 0
	AllModule  = Read | Write | Manage | Lock | Subscribe | ModuleCommand | SendState | StreamListener
	AllEvents  = ReceiveLog | ReceiveState | ReceiveActivity | ReceiveConnections | ReceiveModules | ReceivePorts
	AllControl = ManageModules | ManageControlInterfaces | ManageConnections | ModuleControl |
		SystemControl | ConfigImportExport | ViewConfiguration | AllEvents
	All = AllModule | AllControl | MayMissEvents
)

var names = map[int]string{
	Read:                    "READ",
	Write:                   "WRITE",
	Manage:                  "MANAGE",
	Lock:                    "LOCK",
	Subscribe:               "SUBSCRIBE",
	ModuleCommand:           "MODULE_COMMAND",
	SendState:               "SEND_STATE",
	StreamListener:          "STREAM_LISTENER",
	ManageModules:           "MANAGE_MODULES",
	ManageControlInterfaces: "MANAGE_CONTROL_INTERFACES",
	ManageConnections:       "MANAGE_CONNECTIONS",
	ModuleControl:           "MODULE_CONTROL",
	SystemControl:           "SYSTEM_CONTROL",
	ConfigImportExport:      "CONFIG_IMPORT_EXPORT",
	ViewConfiguration:       "VIEW_CONFIGURATION",
	ReceiveLog:              "RECEIVE_LOG",
	ReceiveState:            "RECEIVE_STATE",
	ReceiveActivity:         "RECEIVE_ACTIVITY",
	ReceiveConnections:      "RECEIVE_CONNECTIONS",
	ReceiveModules:          "RECEIVE_MODULES",
	ReceivePorts:            "RECEIVE_PORTS",
	MayMissEvents:           "MAY_MISS_EVENTS",
}

// Names renders every set bit of mask, lowest bit first.
func Names(mask int) []string {
	result := make([]string, 0, bits.OnesCount(uint(mask)))
	for m := uint(mask); m != 0; m &= m - 1 {
		bit := int(m & -m)
		if name, ok := names[bit]; ok {
			result = append(result, name)
		} else {
			result = append(result, "UNKNOWN")
		}
	}
	return result
}

// Registry is a flat map from component id to rights mask.
// Absence of an id means unauthorized for everything.
type Registry struct {
	mu     sync.RWMutex
	rights map[string]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{rights: make(map[string]int)}
}

// Set stores the mask for id, replacing any previous value.
func (r *Registry) Set(id string, mask int) error {
	if id == "" {
		return errors.NewBroker("Rights", "Set", "component id is empty")
	}
	r.mu.Lock()
	r.rights[id] = mask
	r.mu.Unlock()
	return nil
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.rights, id)
	r.mu.Unlock()
}

// Get returns the mask of id or a broker error when id is unknown.
func (r *Registry) Get(id string) (int, error) {
	r.mu.RLock()
	mask, ok := r.rights[id]
	r.mu.RUnlock()
	if !ok {
		return 0, errors.NewBroker("Rights", "Get", "unknown component id "+id)
	}
	return mask, nil
}

// HasAll reports whether id holds every bit of mask.
func (r *Registry) HasAll(id string, mask int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	have, ok := r.rights[id]
	return ok && have&mask == mask
}

// HasAny reports whether id holds at least one bit of mask.
func (r *Registry) HasAny(id string, mask int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	have, ok := r.rights[id]
	return ok && have&mask != 0
}

// VerifyAll returns an authorization error naming the missing bits unless
// id holds every bit of mask.
func (r *Registry) VerifyAll(id string, mask int, operation string) error {
	r.mu.RLock()
	have, ok := r.rights[id]
	r.mu.RUnlock()
	if id == "" || !ok {
		return &errors.AuthorizationError{ComponentID: id, Operation: operation, Missing: mask, Names: Names(mask)}
	}
	if missing := mask &^ have; missing != 0 {
		return &errors.AuthorizationError{ComponentID: id, Operation: operation, Missing: missing, Names: Names(missing)}
	}
	return nil
}

// VerifyAny returns an authorization error unless id holds at least one bit
// of mask.
func (r *Registry) VerifyAny(id string, mask int, operation string) error {
	r.mu.RLock()
	have, ok := r.rights[id]
	r.mu.RUnlock()
	if id == "" || !ok || have&mask == 0 {
		return &errors.AuthorizationError{ComponentID: id, Operation: operation, Missing: mask, Names: Names(mask)}
	}
	return nil
}

// IDs returns every known id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.rights))
	for id := range r.rights {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
