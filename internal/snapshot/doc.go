// Package snapshot defines the versioned per-session decode context that the
// scheduler swaps in and out of the shared engine, and its sealed msgpack form.
package snapshot
