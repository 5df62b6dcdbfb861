// Package metrics defines the Prometheus instrumentation of the service:
// connections, sessions, audio accounting, scheduler passes, transcript
// events and the monitoring HTTP API.
package metrics
