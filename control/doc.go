// Package control serves the control interfaces.
//
// A Dispatcher starts a control interface by opening its private event
// queue on the fan-out and handing it a Session. Every Session call checks,
// in this order, that the control interface is still started, that the
// system is not in a state forbidden for the call and that the control
// interface holds the right the call needs. Only then are the arguments
// validated and the call delegated to the broker, the component registry,
// the module dispatcher or the configuration store. Successful side effects
// are published as update events.
//
// Events reach a control interface through the listeners it registered
// with AddListener. The queue's drain goroutine calls every listener whose
// category filter matches; a panicking listener is logged and skipped.
//
// The dispatcher's logger must not publish to the fan-out, otherwise a
// panicking log listener would feed itself.
package control
