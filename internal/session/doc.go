// Package session owns per-client transcription contexts. A Registry maps
// client ids to Sessions, creates them on first contact and destroys them on
// close or idle timeout. Each Session bundles an audio buffer, the endpoint
// gate deciding when it is ready, and its sealed decode snapshot.
package session
