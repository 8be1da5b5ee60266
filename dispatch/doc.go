// Package dispatch carries every call between modules and every call the
// framework makes into a module.
//
// A module reaches the framework only through its Session. Each call
// checks, in order, that the module is approved, that it holds the right
// for the operation, that the broker is running where the operation needs
// it, and that ports and paths are valid. The call then resolves the
// connected peer and invokes it under a timeout guard. Peer failures come
// back as module errors.
//
// Fan-out calls from a supplier port (commands, element events, provider
// state) are queued on each consumer's serial queue, so every module sees
// them in order while modules proceed independently.
package dispatch
