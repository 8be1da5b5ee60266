// Package websocket provides a control interface that streams framework
// events to WebSocket clients.
//
// # Overview
//
// The output runs an HTTP server while its control interface is started and
// upgrades requests on the configured path. Every event the control
// interface receives is broadcast to all clients as a MessageEnvelope of
// type "event" whose payload is an event.Record:
//
//	{"type":"event","id":"…","timestamp":1718000000000,
//	 "payload":{"category":"state","type":"StateChange","event":{…}}}
//
// Clients may send requests of their own:
//
//   - {"type":"state","id":"1"} is answered with the current system state
//   - {"type":"ping","id":"2"} is answered with "pong"
//
// Replies carry the request id. Anything else is answered with "error".
//
// # Configuration
//
// Settings of the control interface record:
//
//   - port: TCP port to listen on (default 8081, 0 picks a free port)
//   - path: endpoint path (default "/events")
//   - categories: comma separated event categories (default all)
//
// Events only arrive for categories the control interface holds the
// receive right for.
//
// # Client Management
//
// Each client is served by its own goroutine. Writes to one connection are
// serialized and bounded by a write deadline; a client that fails a write or
// a periodic ping is disconnected.
package websocket
