// Package engine defines the contract of the shared decoding resource and its
// implementations: a deterministic frame-level reference decoder, a client for
// an external decode worker, and the HTTP handler that serves an engine as
// such a worker.
package engine
