// Package system owns the framework parts of one process and drives the
// system state machine:
//
//	INITIALIZING -> STOPPED_READY <-> STARTING_UP -> RUNNING -> SHUTTING_DOWN
//	any state but EXITING -> EXITING
//
// A failed startup or shutdown leaves the system in ERROR, from which only
// Exit is possible. Every transition is broadcast as an event.StateChange
// and recorded in the system state gauge.
package system
