// Package health tracks the health of a Horizont process and serves it over
// HTTP.
//
// A Monitor derives statuses from framework events: the system state maps to
// healthy (running), degraded (stopped, starting or shutting down) or
// unhealthy (error, exiting), and every module or control interface is
// unhealthy after a failed init, start or stop. Aggregate combines them:
// any unhealthy status makes the whole unhealthy.
//
// The Interface control interface feeds a Monitor and answers GET requests on
// its path with the aggregate as JSON. Unhealthy answers carry status 503 so
// load balancers and orchestrators can probe it directly:
//
//	id: health
//	kind: control_interface
//	type: health
//	settings:
//	  port: "8080"
//	  path: /health
//
// The tls.* settings of package tlsutil switch the endpoint to HTTPS.
//
// Messages of unhealthy statuses are stripped of URLs, addresses and
// credentials before they are stored.
package health
