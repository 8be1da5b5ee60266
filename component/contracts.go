package component

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xonfour/horizont-sub000/config"
)

// Module is the lifecycle contract every module implements. The framework
// calls Initialize once after construction; ports may only be registered
// from Initialize on, never from the constructor.
type Module interface {
	Initialize(ctx context.Context, calls ModuleCalls) error
	EnterStartup(ctx context.Context) error
	ExitStartup(ctx context.Context) error
	EnterShutdown(ctx context.Context) error
	ExitShutdown(ctx context.Context) error
	IsReady() bool
	SupportedControlInterfaceCommands(ctx context.Context) ([]string, error)
	OnControlInterfaceCommand(ctx context.Context, command string, props Properties) (Properties, error)
}

// PortListener is notified when one of the module's ports gains or loses a connection
type PortListener interface {
	OnPortConnection(ctx context.Context, port PortID)
	OnPortDisconnection(ctx context.Context, port PortID)
}

// Consumer is a module that owns consumer ports
type Consumer interface {
	Module
	PortListener
	OnProviderStateEvent(ctx context.Context, port PortID, state ProviderState)
	OnElementEvent(ctx context.Context, port PortID, ev ElementEvent)
	SupportedModuleCommands(ctx context.Context, port PortID, path string) ([]string, error)
	OnModuleCommand(ctx context.Context, port PortID, command, path string, props Properties)
}

// Supplier is a module that owns supplier ports and serves their data plane
type Supplier interface {
	Module
	PortListener
	Read(ctx context.Context, port PortID, path string) (io.ReadCloser, error)
	Write(ctx context.Context, port PortID, path string) (io.WriteCloser, error)
	Move(ctx context.Context, port PortID, src, dst string) error
	Delete(ctx context.Context, port PortID, path string) error
	CreateFolder(ctx context.Context, port PortID, path string) error
	Lock(ctx context.Context, port PortID, path string) error
	Unlock(ctx context.Context, port PortID, path string) error
	Element(ctx context.Context, port PortID, path string) (Element, error)
	Children(ctx context.Context, port PortID, path string) ([]Element, error)
	ElementType(ctx context.Context, port PortID, path string) (ElementType, error)
	OnStateRequest(ctx context.Context, port PortID)
}

// StreamListener is notified when a stream on one of its ports closes
type StreamListener interface {
	OnStreamClosed(ctx context.Context, port PortID, closed StreamClosed)
}

// ModuleCalls is the framework surface handed to a module. Every call is
// checked against the module's rights and state before it reaches a peer.
type ModuleCalls interface {
	RegisterPort(ctx context.Context, kind PortKind, port string, maxConnections int) (PortID, error)
	UnregisterPort(ctx context.Context, port PortID) error

	Read(ctx context.Context, port PortID, path string) (io.ReadCloser, error)
	Write(ctx context.Context, port PortID, path string) (io.WriteCloser, error)
	Move(ctx context.Context, port PortID, src, dst string) error
	Delete(ctx context.Context, port PortID, path string) error
	CreateFolder(ctx context.Context, port PortID, path string) error
	Lock(ctx context.Context, port PortID, path string) error
	Unlock(ctx context.Context, port PortID, path string) error
	Element(ctx context.Context, port PortID, path string) (Element, error)
	Children(ctx context.Context, port PortID, path string) ([]Element, error)
	ElementType(ctx context.Context, port PortID, path string) (ElementType, error)

	SupportedModuleCommands(ctx context.Context, port PortID, path string) ([]string, error)
	SendModuleCommand(ctx context.Context, port PortID, command, path string, props Properties) error

	Subscribe(ctx context.Context, port PortID, path string, recursive bool) (Subscription, error)
	Unsubscribe(ctx context.Context, port PortID, path string) error
	UnsubscribeAll(ctx context.Context, port PortID) error
	IsSubscribed(ctx context.Context, port PortID, path string) (bool, error)
	Subscriptions(ctx context.Context, port PortID) ([]Subscription, error)

	AddStreamListener(ctx context.Context, port PortID, listener StreamListener) error
	RemoveStreamListener(ctx context.Context, port PortID, listener StreamListener) error

	SendElementEvent(ctx context.Context, port PortID, ev ElementEvent) error
	SendState(ctx context.Context, port PortID, state ProviderState) error
	RequestConnectedProviderStatus(ctx context.Context, port PortID) error
}

// Category groups events for rights filtering and listener registration
type Category int

// Event categories
const (
	CategoryConnection Category = iota
	CategoryModule
	CategoryPort
	CategoryLog
	CategoryState
	CategoryActivity
)

func (c Category) String() string {
	switch c {
	case CategoryConnection:
		return "connection"
	case CategoryModule:
		return "module"
	case CategoryPort:
		return "port"
	case CategoryLog:
		return "log"
	case CategoryState:
		return "state"
	case CategoryActivity:
		return "activity"
	default:
		return "unknown"
	}
}

// ParseCategory returns the category named s
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown event category %q", s)
}

// ParseCategories parses a comma separated list of category names.
// An empty list yields every category.
func ParseCategories(list string) ([]Category, error) {
	if strings.TrimSpace(list) == "" {
		return Categories(), nil
	}
	var out []Category
	for _, name := range strings.Split(list, ",") {
		c, err := ParseCategory(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Categories lists every event category
func Categories() []Category {
	return []Category{CategoryConnection, CategoryModule, CategoryPort, CategoryLog, CategoryState, CategoryActivity}
}

// Event is delivered to control interfaces
type Event interface {
	EventID() uuid.UUID
	Category() Category
	Time() time.Time
}

// GeneralEventListener receives events a control interface subscribed to
type GeneralEventListener interface {
	OnGeneralEvent(ev Event)
}

// ControlInterface is an external operator of the framework
type ControlInterface interface {
	Startup(ctx context.Context, calls ControlCalls) error
	Shutdown(ctx context.Context) error
}

// ControlCalls is the framework surface handed to a control interface
type ControlCalls interface {
	State() SystemState

	ModuleTypes(ctx context.Context) ([]string, error)
	Modules(ctx context.Context) ([]ComponentInfo, error)
	AddModule(ctx context.Context, typeName, name string, rights int) (string, error)
	RemoveModule(ctx context.Context, id string) error
	SetRights(ctx context.Context, id string, rights int) error
	Rights(ctx context.Context, id string) (int, error)

	ControlInterfaceTypes(ctx context.Context) ([]string, error)
	ControlInterfaces(ctx context.Context) ([]ComponentInfo, error)
	AddControlInterface(ctx context.Context, typeName, name string, rights int) (string, error)
	RemoveControlInterface(ctx context.Context, id string) error

	Ports(ctx context.Context, moduleID string) ([]Port, error)
	Connections(ctx context.Context) ([]Connection, error)
	AddConnection(ctx context.Context, consumer, supplier PortID, priority int) (bool, error)
	RemoveConnection(ctx context.Context, consumer, supplier PortID) error
	DisconnectConnection(ctx context.Context, consumer PortID) error
	SetConnectionPriority(ctx context.Context, consumer, supplier PortID, priority int) error

	SupportedModuleControlCommands(ctx context.Context, moduleID string) ([]string, error)
	SendModuleControlCommand(ctx context.Context, moduleID, command string, props Properties) (Properties, error)

	StartSystem(ctx context.Context) error
	StopSystem(ctx context.Context) error
	Exit(ctx context.Context) error

	ExportConfig(ctx context.Context) (config.Snapshot, error)
	ImportConfig(ctx context.Context, snap config.Snapshot) error

	AddListener(listener GeneralEventListener, categories ...Category) error
	RemoveListener(listener GeneralEventListener) error
}
