// Package event defines the events the core reports to control interfaces
// and the fan-out that delivers them.
//
// Every control interface owns one unbounded Queue drained on its own
// goroutine. Connection, module and port updates are coalescing: a control
// interface holding rights.MayMissEvents sees only the newest queued update
// per connection, component or port, while others see every update.
// Log entries, state changes and module activity are broadcast to every
// control interface holding the matching receive right.
package event
