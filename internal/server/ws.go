package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/config"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/protocol"
	"github.com/skypro1111/ctxswitch-asr/internal/session"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

// TranscriptionPath is where clients connect
const TranscriptionPath = "/ws/transcription"

// Input rates the transport resamples from
const (
	minInputRate = 8000
	maxInputRate = 48000
)

const maxCloseText = 123

// WSServer accepts client audio over WebSocket and streams transcript events
// back. Each connection owns one session in the registry.
type WSServer struct {
	server     *http.Server
	listener   net.Listener
	config     *config.ServerConfig
	sampleRate int
	logger     *slog.Logger
	registry   *session.Registry
	codec      *protocol.Codec
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conns  map[*connection]struct{}

	// Statistics
	connectionsAccepted uint64
	connectionsRejected uint64
	framesReceived      uint64
	framesRejected      uint64
	controlMessages     uint64
	messagesSent        uint64
	mu                  sync.RWMutex
}

// WSStats represents transport statistics
type WSStats struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	ConnectionsRejected uint64 `json:"connections_rejected"`
	ActiveConnections   int    `json:"active_connections"`
	FramesReceived      uint64 `json:"frames_received"`
	FramesRejected      uint64 `json:"frames_rejected"`
	ControlMessages     uint64 `json:"control_messages"`
	MessagesSent        uint64 `json:"messages_sent"`
}

// connection is one client socket bound to its session
type connection struct {
	id           string
	ws           *websocket.Conn
	sess         *session.Session
	logger       *slog.Logger
	writeTimeout time.Duration

	inputRate int
	resampler *audio.Resampler

	writeMu sync.Mutex
}

// NewWSServer creates the client transport. sampleRate is the rate sessions
// expect; other announced rates are resampled.
func NewWSServer(cfg *config.ServerConfig, sampleRate int, registry *session.Registry, m *metrics.Metrics, logger *slog.Logger) (*WSServer, error) {
	if registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}

	codec, err := protocol.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol codec: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &WSServer{
		config:     cfg,
		sampleRate: sampleRate,
		logger:     logger.With("component", "ws_server"),
		registry:   registry,
		codec:      codec,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[*connection]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(TranscriptionPath, s.handleTranscription)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler returns the transport's HTTP handler
func (s *WSServer) Handler() http.Handler {
	return s.server.Handler
}

// Start begins accepting connections
func (s *WSServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = listener

	s.logger.Info("WebSocket server started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", TranscriptionPath),
		slog.Int("sample_rate", s.sampleRate),
	)

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *WSServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new connections, closes open ones and waits for their
// sessions to be released
func (s *WSServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	s.mu.Lock()
	s.cancel()
	conns := make([]*connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	err := s.server.Shutdown(ctx)

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
		c.ws.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	stats := s.GetStatistics()
	s.logger.Info("WebSocket server stopped",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("frames_rejected", stats.FramesRejected),
		slog.Uint64("messages_sent", stats.MessagesSent),
	)

	return err
}

// handleTranscription upgrades a client and serves it until either side closes
func (s *WSServer) handleTranscription(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	sess, err := s.registry.Open(r.Context(), clientID)
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, session.ErrTooManySessions) {
			code = websocket.CloseTryAgainLater
		}
		s.increment(&s.connectionsRejected)
		s.logger.Info("Connection rejected",
			slog.String("client_id", clientID),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))

		writeClose(ws, code, err.Error(), s.config.GetWriteTimeout())
		ws.Close()
		return
	}

	c := &connection{
		id:           clientID,
		ws:           ws,
		sess:         sess,
		logger:       s.logger.With("client_id", clientID),
		writeTimeout: s.config.GetWriteTimeout(),
		inputRate:    s.sampleRate,
	}

	if !s.track(c) {
		s.registry.Close(clientID, "shutdown")
		c.closeWith(websocket.CloseGoingAway, "server shutdown")
		ws.Close()
		return
	}
	defer s.untrack(c)

	s.serve(c)
}

func (s *WSServer) track(c *connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.connectionsAccepted++
	s.wg.Add(1)
	s.metrics.SetActiveConnections(len(s.conns))
	return true
}

func (s *WSServer) untrack(c *connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.metrics.SetActiveConnections(len(s.conns))
	s.mu.Unlock()
	s.wg.Done()
}

func (s *WSServer) serve(c *connection) {
	c.logger.Info("Client connected", slog.String("remote_addr", c.ws.RemoteAddr().String()))

	ready := protocol.NewReply(protocol.TypeReady, c.id)
	ready.SampleRate = c.inputRate
	if err := c.write(ready); err != nil {
		c.logger.Debug("Failed to send ready", slog.String("error", err.Error()))
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	reason := s.readLoop(c)

	// Closing the session closes its outbox, which ends the writer
	s.registry.Close(c.id, reason)
	<-writerDone
	c.ws.Close()

	c.logger.Info("Client disconnected", slog.String("reason", reason))
}

// readLoop consumes client frames and returns why the connection ended
func (s *WSServer) readLoop(c *connection) string {
	c.ws.SetReadLimit(s.config.ReadLimit)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Connection read failed", slog.String("error", err.Error()))
			}
			return "disconnect"
		}

		switch messageType {
		case websocket.BinaryMessage:
			err = s.handleAudio(c, data)
		case websocket.TextMessage:
			err = s.handleControl(c, data)
		}

		switch {
		case err == nil:
		case errors.Is(err, session.ErrSessionErrored):
			return "errored"
		case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNotFound):
			return "closed"
		default:
			c.logger.Debug("Connection write failed", slog.String("error", err.Error()))
			return "disconnect"
		}
	}
}

func (s *WSServer) handleAudio(c *connection, data []byte) error {
	s.increment(&s.framesReceived)

	chunk, err := protocol.DecodeAudio(data, c.inputRate)
	if err != nil {
		s.increment(&s.framesRejected)
		s.registry.Reject(c.id)
		return c.replyError(err)
	}

	chunk, err = c.adapt(chunk, s.sampleRate)
	if err != nil {
		s.increment(&s.framesRejected)
		s.registry.Reject(c.id)
		return c.replyError(err)
	}
	if chunk.SampleRate == s.sampleRate && len(chunk.Samples) == 0 {
		// Resampler is still filling its window
		return nil
	}

	if _, err := s.registry.Push(c.id, chunk); err != nil {
		if errors.Is(err, audio.ErrMalformedChunk) {
			s.increment(&s.framesRejected)
			return c.replyError(err)
		}
		return err
	}
	return nil
}

// adapt resamples well-formed mono audio at a foreign rate to the session
// rate. Anything else is passed through for the session to judge.
func (c *connection) adapt(chunk audio.Chunk, outputRate int) (audio.Chunk, error) {
	if chunk.SampleRate == outputRate || chunk.SampleRate < minInputRate || chunk.SampleRate > maxInputRate {
		return chunk, nil
	}
	if chunk.Validate(chunk.SampleRate) != nil {
		return chunk, nil
	}

	if c.resampler == nil || c.resampler.InputRate() != chunk.SampleRate {
		resampler, err := audio.NewResampler(chunk.SampleRate, outputRate)
		if err != nil {
			return audio.Chunk{}, err
		}
		c.resampler = resampler
		c.logger.Debug("Resampling client audio",
			slog.Int("input_rate", chunk.SampleRate),
			slog.Int("output_rate", outputRate))
	}

	samples, err := c.resampler.Process(chunk.Samples)
	if err != nil {
		return audio.Chunk{}, err
	}

	return audio.Chunk{Samples: samples, SampleRate: outputRate, Channels: 1}, nil
}

func (s *WSServer) handleControl(c *connection, data []byte) error {
	s.increment(&s.controlMessages)

	control, err := s.codec.ParseControl(data)
	if err != nil {
		s.metrics.RecordControlMessage("invalid")
		return c.replyError(err)
	}
	s.metrics.RecordControlMessage(control.Type)
	c.logger.Debug("Control message", slog.String("control", control.String()))

	switch control.Type {
	case protocol.TypeStart:
		c.inputRate = control.SampleRate
		reply := protocol.NewReply(protocol.TypeReady, c.id)
		reply.SampleRate = control.SampleRate
		return c.write(reply)
	case protocol.TypeStop:
		if err := s.registry.Flush(c.id); err != nil {
			return err
		}
		return c.write(protocol.NewReply(protocol.TypeFlushed, c.id))
	case protocol.TypePing:
		return c.write(protocol.NewReply(protocol.TypePong, c.id))
	}

	return nil
}

// writeLoop forwards the session's events in order until its outbox closes
func (s *WSServer) writeLoop(c *connection) {
	out := c.sess.Outbox()

	for {
		select {
		case <-out.Ready():
			events := out.Drain()
			if err := s.send(c, events); err != nil {
				c.logger.Debug("Failed to deliver events", slog.String("error", err.Error()))
				c.ws.Close()
				return
			}

			// An errored session takes no more audio; the client has to reconnect
			if failed(events) {
				c.closeWith(websocket.CloseInternalServerErr, "decode failed")
				c.ws.Close()
				return
			}
		case <-out.Done():
			s.send(c, out.Drain())

			reason := c.sess.GetSessionInfo().CloseReason
			c.closeWith(websocket.CloseNormalClosure, reason)
			c.ws.Close()
			return
		}
	}
}

func failed(events []transcript.Event) bool {
	for _, ev := range events {
		if ev.Type == transcript.TypeError {
			return true
		}
	}
	return false
}

func (s *WSServer) send(c *connection, events []transcript.Event) error {
	for i, ev := range events {
		if err := c.write(ev); err != nil {
			s.add(&s.messagesSent, uint64(i))
			s.metrics.RecordMessagesSent(i)
			return err
		}
	}
	s.add(&s.messagesSent, uint64(len(events)))
	s.metrics.RecordMessagesSent(len(events))
	return nil
}

func (c *connection) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *connection) replyError(err error) error {
	reply := protocol.NewReply(protocol.TypeError, c.id)
	reply.Message = err.Error()
	return c.write(reply)
}

// closeWith sends a close frame; safe to call concurrently with write
func (c *connection) closeWith(code int, text string) {
	writeClose(c.ws, code, text, c.writeTimeout)
}

func writeClose(ws *websocket.Conn, code int, text string, timeout time.Duration) {
	// Control frames carry at most 125 bytes, two of them the code
	if len(text) > maxCloseText {
		text = text[:maxCloseText]
		for !utf8.ValidString(text) {
			text = text[:len(text)-1]
		}
	}
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(timeout))
}

func (s *WSServer) increment(counter *uint64) {
	s.add(counter, 1)
}

func (s *WSServer) add(counter *uint64, n uint64) {
	s.mu.Lock()
	*counter += n
	s.mu.Unlock()
}

// GetStatistics returns transport statistics
func (s *WSServer) GetStatistics() WSStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return WSStats{
		ConnectionsAccepted: s.connectionsAccepted,
		ConnectionsRejected: s.connectionsRejected,
		ActiveConnections:   len(s.conns),
		FramesReceived:      s.framesReceived,
		FramesRejected:      s.framesRejected,
		ControlMessages:     s.controlMessages,
		MessagesSent:        s.messagesSent,
	}
}
