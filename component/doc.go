// Package component defines the contracts between the Horizont core and its
// pluggable components, and the Registry that owns their live instances.
//
// A module implements Module plus Consumer and/or Supplier and talks to its
// peers only through the ModuleCalls it receives in Initialize. A control
// interface implements ControlInterface and drives the framework through
// ControlCalls.
//
// Ports are identified by PortID, a comparable (module, port, kind) value.
// Re-registering a port after it was removed yields an equal PortID, so
// connection history keyed by PortID survives the gap.
//
// The Registry replaces runtime plugin discovery with explicit
// registration: every component type is registered with a Factory before
// use, and Create instantiates it from a configuration record.
package component
