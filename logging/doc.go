// Package logging provides the framework's log handler.
//
// A Handler starts detached and writes to stdout, with WARN and above on
// stderr, so it can be used before the event fan-out exists. System
// initialization attaches it to the fan-out, after which every record is
// delivered to control interfaces holding the log right as an
// event.LogEntry. Exit detaches it again.
package logging
