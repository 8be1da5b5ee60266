package component

import (
	"fmt"
	"time"

	"github.com/xonfour/horizont-sub000/config"
	"github.com/xonfour/horizont-sub000/errors"
)

// Kind distinguishes the two families of pluggable components
type Kind int

// Component kinds
const (
	KindModule Kind = iota
	KindControlInterface
)

// String returns the kind as stored in configuration records
func (k Kind) String() string {
	switch k {
	case KindModule:
		return config.KindModule
	case KindControlInterface:
		return config.KindControlInterface
	default:
		return "unknown"
	}
}

// ParseKind parses a configuration record kind
func ParseKind(s string) (Kind, error) {
	switch s {
	case config.KindModule:
		return KindModule, nil
	case config.KindControlInterface:
		return KindControlInterface, nil
	default:
		return 0, errors.NewBroker("component", "ParseKind", fmt.Sprintf("unknown component kind %q", s))
	}
}

// PortKind is the polarity of a port
type PortKind int

// Port kinds
const (
	ConsumerPort PortKind = iota
	SupplierPort
)

func (k PortKind) String() string {
	switch k {
	case ConsumerPort:
		return "consumer"
	case SupplierPort:
		return "supplier"
	default:
		return "unknown"
	}
}

// Unbounded lets a supplier port accept any number of consumers
const Unbounded = -1

// PortID identifies a port. It is a plain comparable value, so two handles
// naming the same module, port and kind are the same port.
type PortID struct {
	Module string
	Port   string
	Kind   PortKind
}

func (p PortID) String() string {
	return fmt.Sprintf("%s/%s(%s)", p.Module, p.Port, p.Kind)
}

// Endpoint returns the persisted form of the port
func (p PortID) Endpoint() config.Endpoint {
	return config.Endpoint{Module: p.Module, Port: p.Port}
}

// ConsumerID returns the consumer port named by ep
func ConsumerID(ep config.Endpoint) PortID {
	return PortID{Module: ep.Module, Port: ep.Port, Kind: ConsumerPort}
}

// SupplierID returns the supplier port named by ep
func SupplierID(ep config.Endpoint) PortID {
	return PortID{Module: ep.Module, Port: ep.Port, Kind: SupplierPort}
}

// Port is a registered connection point
type Port struct {
	ID PortID
	// MaxConnections bounds the connected tuples of a supplier port.
	// Unbounded means no bound, 0 means the port never connects. Consumer
	// ports hold at most one connection regardless, but still need >= 1.
	MaxConnections int
}

// Connectable reports whether the port may take part in a connection
func (p Port) Connectable() bool {
	return p.MaxConnections != 0
}

// ConnectionKey identifies a connection by its two ports
type ConnectionKey struct {
	Consumer PortID
	Supplier PortID
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s -> %s", k.Consumer, k.Supplier)
}

// Connection is a point-in-time view of a connection tuple
type Connection struct {
	ConnectionKey
	Priority         int       `json:"priority"`
	Connected        bool      `json:"connected"`
	BytesTransferred int64     `json:"bytes_transferred"`
	LastActivity     time.Time `json:"last_activity"`
	OpenStreams      int       `json:"open_streams"`
}

// Properties carries command arguments and results
type Properties map[string]string

// SystemState is the process-wide lifecycle state
type SystemState int

// System states
const (
	StateInitializing SystemState = iota
	StateStoppedReady
	StateStartingUp
	StateRunning
	StateShuttingDown
	StateExiting
	StateError
)

func (s SystemState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateStoppedReady:
		return "STOPPED_READY"
	case StateStartingUp:
		return "STARTING_UP"
	case StateRunning:
		return "RUNNING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateExiting:
		return "EXITING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ComponentInfo describes a configured component and whether it is live
type ComponentInfo struct {
	config.ComponentRecord
	Live  bool `json:"live"`
	Ready bool `json:"ready"`
}
