// Package file provides a control interface that appends framework events
// to a file.
//
// Each event is written as one event.Record. With format "jsonl" (the
// default) every record is a single line; "json" pretty-prints each record.
//
// Writes are buffered: the buffer is flushed when it holds buffer_size
// records, every flush_interval, and on shutdown. The file is opened when
// the control interface starts and closed when it stops, so a restarted
// output appends to (or with append=false truncates) the same file.
//
// Settings:
//
//   - path: output file, required
//   - format: jsonl or json
//   - append: true (default) or false
//   - buffer_size: records per batch (default 100)
//   - flush_interval: Go duration (default 1s)
//   - categories: comma separated event categories (default all)
package file
