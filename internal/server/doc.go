// Package server implements the client-facing WebSocket transport and the
// monitoring HTTP API. The WebSocket server binds each connection to one
// session: binary frames carry audio, text frames carry control messages and
// transcript events flow back in generation order.
package server
