// Package transcript delivers transcript events to clients. Each client has an
// ordered, non-blocking outbox; final events are additionally journaled to a
// key-value store so a session's committed transcript can be read back.
package transcript
