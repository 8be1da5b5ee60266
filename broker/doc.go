// Package broker owns the port graph: registered ports, the connected and
// disconnected connection sets, priority admission, stream tracking and the
// ordered start and stop of modules.
//
// # Admission
//
// A consumer port holds at most one connection. A supplier port holds at
// most MaxConnections, or any number when Unbounded. A candidate takes an
// occupied slot only with a strictly higher priority than the occupant;
// ties favor the incumbent. Preempted occupants move to the disconnected
// set and wait there.
//
// Declined admission is not an error. Connect and AddConnection return
// false and the connection waits until a slot frees up or its priority is
// raised.
//
// # Background work
//
// Module notifications run on the module's serial queue, never under the
// broker's locks. After a disconnection, the freed ports are reevaluated on
// a single background queue: their waiting connections are tried from the
// highest priority down.
package broker
