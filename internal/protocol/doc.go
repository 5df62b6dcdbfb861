// Package protocol implements the client wire format of the transcription
// WebSocket: JSON control messages validated against a schema, binary audio
// frames (raw float32 or WAV) and the replies sent back to the client.
package protocol
