package event

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xonfour/horizont-sub000/component"
	"github.com/xonfour/horizont-sub000/rights"
)

// Base carries the identity shared by all events
type Base struct {
	ID uuid.UUID `json:"id"`
	At time.Time `json:"at"`
}

func newBase() Base {
	return Base{ID: uuid.New(), At: time.Now()}
}

// EventID returns the unique event id
func (b Base) EventID() uuid.UUID { return b.ID }

// Time returns when the event was created
func (b Base) Time() time.Time { return b.At }

// Coalescing is implemented by events a newer event with the same key may
// replace while still queued.
type Coalescing interface {
	component.Event
	Key() string
}

// ConnectionAction is what happened to a connection
type ConnectionAction int

// Connection actions
const (
	ConnectionAdded ConnectionAction = iota
	ConnectionConnected
	ConnectionDisconnected
	ConnectionRemoved
	ConnectionBusy
	ConnectionIdle
	ConnectionPriority
)

func (a ConnectionAction) String() string {
	switch a {
	case ConnectionAdded:
		return "ADDED"
	case ConnectionConnected:
		return "CONNECTED"
	case ConnectionDisconnected:
		return "DISCONNECTED"
	case ConnectionRemoved:
		return "REMOVED"
	case ConnectionBusy:
		return "BUSY"
	case ConnectionIdle:
		return "IDLE"
	case ConnectionPriority:
		return "PRIORITY"
	default:
		return "UNKNOWN"
	}
}

// ConnectionUpdate reports a change of one connection
type ConnectionUpdate struct {
	Base
	Action     ConnectionAction     `json:"action"`
	Connection component.Connection `json:"connection"`
}

// NewConnectionUpdate creates a connection event
func NewConnectionUpdate(action ConnectionAction, conn component.Connection) *ConnectionUpdate {
	return &ConnectionUpdate{Base: newBase(), Action: action, Connection: conn}
}

func (e *ConnectionUpdate) Category() component.Category { return component.CategoryConnection }
func (e *ConnectionUpdate) Key() string                  { return "connection:" + e.Connection.ConnectionKey.String() }
func (e *ConnectionUpdate) String() string {
	return fmt.Sprintf("connection %s %s", e.Connection.ConnectionKey, e.Action)
}

// ModuleAction is what happened to a module or control interface
type ModuleAction int

// Module actions
const (
	ModuleAdded ModuleAction = iota
	ModuleRemoved
	ModuleRights
	ModuleStarted
	ModuleStopped
	ModuleFailInit
	ModuleFailStart
	ModuleFailStop
	ModuleFailRespond
)

func (a ModuleAction) String() string {
	switch a {
	case ModuleAdded:
		return "ADDED"
	case ModuleRemoved:
		return "REMOVED"
	case ModuleRights:
		return "RIGHTS"
	case ModuleStarted:
		return "STARTED"
	case ModuleStopped:
		return "STOPPED"
	case ModuleFailInit:
		return "FAIL_INIT"
	case ModuleFailStart:
		return "FAIL_START"
	case ModuleFailStop:
		return "FAIL_STOP"
	case ModuleFailRespond:
		return "FAIL_RESPOND"
	default:
		return "UNKNOWN"
	}
}

// ModuleUpdate reports a change of one component
type ModuleUpdate struct {
	Base
	Action      ModuleAction   `json:"action"`
	ComponentID string         `json:"component_id"`
	Kind        component.Kind `json:"kind"`
	Detail      string         `json:"detail,omitempty"`
}

// NewModuleUpdate creates a module event
func NewModuleUpdate(action ModuleAction, id string, kind component.Kind, detail string) *ModuleUpdate {
	return &ModuleUpdate{Base: newBase(), Action: action, ComponentID: id, Kind: kind, Detail: detail}
}

func (e *ModuleUpdate) Category() component.Category { return component.CategoryModule }
func (e *ModuleUpdate) Key() string                  { return "module:" + e.ComponentID }
func (e *ModuleUpdate) String() string {
	return fmt.Sprintf("%s %s %s", e.Kind, e.ComponentID, e.Action)
}

// PortAction is what happened to a port
type PortAction int

// Port actions
const (
	PortAdded PortAction = iota
	PortRemoved
)

func (a PortAction) String() string {
	if a == PortRemoved {
		return "REMOVED"
	}
	return "ADDED"
}

// PortUpdate reports a port registration change
type PortUpdate struct {
	Base
	Action PortAction     `json:"action"`
	Port   component.Port `json:"port"`
}

// NewPortUpdate creates a port event
func NewPortUpdate(action PortAction, port component.Port) *PortUpdate {
	return &PortUpdate{Base: newBase(), Action: action, Port: port}
}

func (e *PortUpdate) Category() component.Category { return component.CategoryPort }
func (e *PortUpdate) Key() string                  { return "port:" + e.Port.ID.String() }
func (e *PortUpdate) String() string               { return fmt.Sprintf("port %s %s", e.Port.ID, e.Action) }

// LogEntry is a log record forwarded to control interfaces
type LogEntry struct {
	Base
	Level   slog.Level        `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// NewLogEntry creates a log event
func NewLogEntry(level slog.Level, message string, attrs map[string]string) *LogEntry {
	return &LogEntry{Base: newBase(), Level: level, Message: message, Attrs: attrs}
}

func (e *LogEntry) Category() component.Category { return component.CategoryLog }

// StateChange reports a system state transition
type StateChange struct {
	Base
	From component.SystemState `json:"from"`
	To   component.SystemState `json:"to"`
}

// NewStateChange creates a state event
func NewStateChange(from, to component.SystemState) *StateChange {
	return &StateChange{Base: newBase(), From: from, To: to}
}

func (e *StateChange) Category() component.Category { return component.CategoryState }
func (e *StateChange) String() string               { return fmt.Sprintf("system %s -> %s", e.From, e.To) }

// ModuleActivity reports a dispatched module call
type ModuleActivity struct {
	Base
	ModuleID  string           `json:"module_id"`
	Operation string           `json:"operation"`
	Port      component.PortID `json:"port"`
	Path      string           `json:"path,omitempty"`
}

// NewModuleActivity creates an activity event
func NewModuleActivity(moduleID, operation string, port component.PortID, path string) *ModuleActivity {
	return &ModuleActivity{Base: newBase(), ModuleID: moduleID, Operation: operation, Port: port, Path: path}
}

func (e *ModuleActivity) Category() component.Category { return component.CategoryActivity }

// RequiredRight returns the right a control interface needs to receive a category
func RequiredRight(c component.Category) int {
	switch c {
	case component.CategoryConnection:
		return rights.ReceiveConnections
	case component.CategoryModule:
		return rights.ReceiveModules
	case component.CategoryPort:
		return rights.ReceivePorts
	case component.CategoryLog:
		return rights.ReceiveLog
	case component.CategoryState:
		return rights.ReceiveState
	case component.CategoryActivity:
		return rights.ReceiveActivity
	default:
		return rights.All
	}
}

// IsCoalescing reports whether a category is delivered through its own kind queue
func IsCoalescing(c component.Category) bool {
	switch c {
	case component.CategoryConnection, component.CategoryModule, component.CategoryPort:
		return true
	default:
		return false
	}
}
