package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/xonfour/horizont-sub000/component"
)

// PortSpec describes a port a FakeModule registers during Initialize
type PortSpec struct {
	Kind           component.PortKind
	Name           string
	MaxConnections int
}

// FakeModule is a Consumer and Supplier that records what happens to it
type FakeModule struct {
	ID    string
	Ports []PortSpec

	mu        sync.Mutex
	calls     []string
	failures  map[string]error
	panics    map[string]bool
	gates     map[string]chan struct{}
	ready     bool
	framework component.ModuleCalls
	files     map[string][]byte
	commands  []string
	answers   map[string]component.Properties
	supported []string

	rec Recorded
}

// Recorded holds the callbacks a FakeModule received
type Recorded struct {
	Connected     []component.PortID
	Disconnected  []component.PortID
	States        []component.ProviderState
	ElementEvents []component.ElementEvent
	StateRequests []component.PortID
	ModuleCmds    []string
	StreamsClosed []component.StreamClosed
}

// FakeOption configures a FakeModule
type FakeOption func(*FakeModule)

// WithPort makes the module register a port in Initialize
func WithPort(kind component.PortKind, name string, maxConnections int) FakeOption {
	return func(m *FakeModule) {
		m.Ports = append(m.Ports, PortSpec{Kind: kind, Name: name, MaxConnections: maxConnections})
	}
}

// WithCommands sets the commands the module reports as supported
func WithCommands(commands ...string) FakeOption {
	return func(m *FakeModule) { m.supported = commands }
}

// NewFakeModule creates a ready fake module
func NewFakeModule(id string, opts ...FakeOption) *FakeModule {
	m := &FakeModule{
		ID:       id,
		failures: make(map[string]error),
		panics:   make(map[string]bool),
		gates:    make(map[string]chan struct{}),
		files:    make(map[string][]byte),
		answers:  make(map[string]component.Properties),
		ready:    true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Factory returns a factory that hands out this instance
func (m *FakeModule) Factory() component.Factory {
	return func(component.Dependencies) (any, error) { return m, nil }
}

// FailOn makes op return err
func (m *FakeModule) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = err
}

// PanicOn makes op panic
func (m *FakeModule) PanicOn(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panics[op] = true
}

// BlockOn makes op wait until the returned channel is closed
func (m *FakeModule) BlockOn(op string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gates[op] = gate
	return gate
}

// SetReady sets the IsReady answer
func (m *FakeModule) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// Answer sets the result of a control command
func (m *FakeModule) Answer(command string, props component.Properties) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers[command] = props
}

// Calls returns the names of the operations invoked so far
func (m *FakeModule) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Called reports how often op was invoked
func (m *FakeModule) Called(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

// ControlCommands returns the control commands received so far
func (m *FakeModule) ControlCommands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// Framework returns the ModuleCalls handed to Initialize
func (m *FakeModule) Framework() component.ModuleCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framework
}

// File returns stored data
func (m *FakeModule) File(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	return data, ok
}

// PutFile stores data
func (m *FakeModule) PutFile(path string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = data
}

// Recorded copies the recorded callbacks
func (m *FakeModule) Recorded() Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Recorded{
		Connected:     append([]component.PortID(nil), m.rec.Connected...),
		Disconnected:  append([]component.PortID(nil), m.rec.Disconnected...),
		States:        append([]component.ProviderState(nil), m.rec.States...),
		ElementEvents: append([]component.ElementEvent(nil), m.rec.ElementEvents...),
		StateRequests: append([]component.PortID(nil), m.rec.StateRequests...),
		ModuleCmds:    append([]string(nil), m.rec.ModuleCmds...),
		StreamsClosed: append([]component.StreamClosed(nil), m.rec.StreamsClosed...),
	}
}

func (m *FakeModule) hook(op string) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	gate := m.gates[op]
	shouldPanic := m.panics[op]
	err := m.failures[op]
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if shouldPanic {
		panic(fmt.Sprintf("%s panicked in %s", m.ID, op))
	}
	return err
}

// Initialize stores the framework surface and registers the configured ports
func (m *FakeModule) Initialize(ctx context.Context, calls component.ModuleCalls) error {
	m.mu.Lock()
	m.framework = calls
	m.mu.Unlock()

	if err := m.hook("Initialize"); err != nil {
		return err
	}
	for _, p := range m.Ports {
		if _, err := calls.RegisterPort(ctx, p.Kind, p.Name, p.MaxConnections); err != nil {
			return err
		}
	}
	return nil
}

func (m *FakeModule) EnterStartup(context.Context) error  { return m.hook("EnterStartup") }
func (m *FakeModule) ExitStartup(context.Context) error   { return m.hook("ExitStartup") }
func (m *FakeModule) EnterShutdown(context.Context) error { return m.hook("EnterShutdown") }
func (m *FakeModule) ExitShutdown(context.Context) error  { return m.hook("ExitShutdown") }

func (m *FakeModule) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *FakeModule) SupportedControlInterfaceCommands(context.Context) ([]string, error) {
	if err := m.hook("SupportedControlInterfaceCommands"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.supported...), nil
}

func (m *FakeModule) OnControlInterfaceCommand(
	_ context.Context, command string, _ component.Properties,
) (component.Properties, error) {
	if err := m.hook("OnControlInterfaceCommand"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, command)
	return m.answers[command], nil
}

func (m *FakeModule) OnPortConnection(_ context.Context, port component.PortID) {
	_ = m.hook("OnPortConnection")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Connected = append(m.rec.Connected, port)
}

func (m *FakeModule) OnPortDisconnection(_ context.Context, port component.PortID) {
	_ = m.hook("OnPortDisconnection")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.Disconnected = append(m.rec.Disconnected, port)
}

func (m *FakeModule) OnProviderStateEvent(_ context.Context, _ component.PortID, state component.ProviderState) {
	_ = m.hook("OnProviderStateEvent")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.States = append(m.rec.States, state)
}

func (m *FakeModule) OnElementEvent(_ context.Context, _ component.PortID, ev component.ElementEvent) {
	_ = m.hook("OnElementEvent")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.ElementEvents = append(m.rec.ElementEvents, ev)
}

func (m *FakeModule) SupportedModuleCommands(context.Context, component.PortID, string) ([]string, error) {
	if err := m.hook("SupportedModuleCommands"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.supported...), nil
}

func (m *FakeModule) OnModuleCommand(
	_ context.Context, _ component.PortID, command, _ string, _ component.Properties,
) {
	_ = m.hook("OnModuleCommand")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.ModuleCmds = append(m.rec.ModuleCmds, command)
}

func (m *FakeModule) OnStateRequest(_ context.Context, port component.PortID) {
	_ = m.hook("OnStateRequest")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.StateRequests = append(m.rec.StateRequests, port)
}

func (m *FakeModule) OnStreamClosed(_ context.Context, _ component.PortID, closed component.StreamClosed) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec.StreamsClosed = append(m.rec.StreamsClosed, closed)
}

func (m *FakeModule) Read(_ context.Context, _ component.PortID, path string) (io.ReadCloser, error) {
	if err := m.hook("Read"); err != nil {
		return nil, err
	}
	data, ok := m.File(path)
	if !ok {
		return nil, fmt.Errorf("%s: no such element", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *FakeModule) Write(_ context.Context, _ component.PortID, path string) (io.WriteCloser, error) {
	if err := m.hook("Write"); err != nil {
		return nil, err
	}
	return &fileWriter{module: m, path: path}, nil
}

type fileWriter struct {
	module *FakeModule
	path   string
	buf    bytes.Buffer
}

func (w *fileWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *fileWriter) Close() error {
	w.module.PutFile(w.path, w.buf.Bytes())
	return nil
}

func (m *FakeModule) Move(_ context.Context, _ component.PortID, src, dst string) error {
	if err := m.hook("Move"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[src]
	if !ok {
		return fmt.Errorf("%s: no such element", src)
	}
	delete(m.files, src)
	m.files[dst] = data
	return nil
}

func (m *FakeModule) Delete(_ context.Context, _ component.PortID, path string) error {
	if err := m.hook("Delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *FakeModule) CreateFolder(context.Context, component.PortID, string) error {
	return m.hook("CreateFolder")
}

func (m *FakeModule) Lock(context.Context, component.PortID, string) error { return m.hook("Lock") }

func (m *FakeModule) Unlock(context.Context, component.PortID, string) error { return m.hook("Unlock") }

func (m *FakeModule) Element(_ context.Context, _ component.PortID, path string) (component.Element, error) {
	if err := m.hook("Element"); err != nil {
		return component.Element{}, err
	}
	data, ok := m.File(path)
	if !ok {
		return component.Element{}, fmt.Errorf("%s: no such element", path)
	}
	return component.Element{Path: path, Type: component.ElementFile, Size: int64(len(data))}, nil
}

func (m *FakeModule) Children(_ context.Context, _ component.PortID, path string) ([]component.Element, error) {
	if err := m.hook("Children"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := component.Subscription{Path: path}
	var out []component.Element
	for p, data := range m.files {
		if p != path && sub.Matches(p) {
			out = append(out, component.Element{Path: p, Type: component.ElementFile, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *FakeModule) ElementType(_ context.Context, _ component.PortID, path string) (component.ElementType, error) {
	if err := m.hook("ElementType"); err != nil {
		return component.ElementUnknown, err
	}
	if _, ok := m.File(path); ok {
		return component.ElementFile, nil
	}
	return component.ElementUnknown, nil
}
