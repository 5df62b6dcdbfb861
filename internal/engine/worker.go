package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

const (
	msgpackContentType = "application/msgpack"
	maxWorkerBody      = 64 << 20

	codeIncompatible = "incompatible_state"
	codeFatal        = "fatal"
	codeNotLoaded    = "not_loaded"
	codeBadRequest   = "bad_request"
	codeFailed       = "failed"
)

// workerError is the error body of the decode worker protocol
type workerError struct {
	Code    string `msgpack:"code"`
	Message string `msgpack:"message"`
}

// Handler exposes an Engine as a decode worker over HTTP with msgpack bodies:
// POST /load, /decode, /save and /unload. A Remote engine is its client.
type Handler struct {
	engine Engine
	apiKey string
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler creates a worker handler. An empty apiKey disables authentication.
func NewHandler(e Engine, apiKey string, logger *slog.Logger) *Handler {
	h := &Handler{
		engine: e,
		apiKey: apiKey,
		logger: logger.With("component", "decode_worker"),
		mux:    http.NewServeMux(),
	}

	h.mux.HandleFunc("/load", h.handleLoad)
	h.mux.HandleFunc("/decode", h.handleDecode)
	h.mux.HandleFunc("/save", h.handleSave)
	h.mux.HandleFunc("/unload", h.handleUnload)

	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.apiKey != "" && r.Header.Get("Authorization") != "Bearer "+h.apiKey {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	h.mux.ServeHTTP(w, r)

	h.logger.Debug("Worker request served",
		slog.String("path", r.URL.Path),
		slog.Duration("duration", time.Since(start)))
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	var snap snapshot.Snapshot
	if !h.decodeBody(w, r, &snap) {
		return
	}

	// A retried load replaces whatever the previous attempt installed
	h.engine.Unload()
	if err := h.engine.Load(r.Context(), &snap); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDecode(w http.ResponseWriter, r *http.Request) {
	var chunk Chunk
	if !h.decodeBody(w, r, &chunk) {
		return
	}

	out, err := h.engine.Decode(r.Context(), chunk)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeBody(w, out)
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.Save(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeBody(w, state)
}

func (h *Handler) handleUnload(w http.ResponseWriter, r *http.Request) {
	h.engine.Unload()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkerBody))
	if err != nil {
		h.writeStatus(w, http.StatusBadRequest, workerError{Code: codeBadRequest, Message: err.Error()})
		return false
	}

	if err := msgpack.Unmarshal(body, v); err != nil {
		h.writeStatus(w, http.StatusBadRequest, workerError{Code: codeBadRequest, Message: err.Error()})
		return false
	}

	return true
}

func (h *Handler) writeBody(w http.ResponseWriter, v any) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		h.writeError(w, fmt.Errorf("failed to encode response: %w", err))
		return
	}

	w.Header().Set("Content-Type", msgpackContentType)
	w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrIncompatibleState):
		h.writeStatus(w, http.StatusConflict, workerError{Code: codeIncompatible, Message: err.Error()})
	case errors.Is(err, ErrNotLoaded):
		h.writeStatus(w, http.StatusConflict, workerError{Code: codeNotLoaded, Message: err.Error()})
	case errors.Is(err, ErrFatal):
		h.logger.Error("Engine failed fatally", slog.String("error", err.Error()))
		h.writeStatus(w, http.StatusInternalServerError, workerError{Code: codeFatal, Message: err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeStatus(w, http.StatusServiceUnavailable, workerError{Code: codeFailed, Message: err.Error()})
	default:
		h.logger.Warn("Engine request failed", slog.String("error", err.Error()))
		h.writeStatus(w, http.StatusUnprocessableEntity, workerError{Code: codeFailed, Message: err.Error()})
	}
}

func (h *Handler) writeStatus(w http.ResponseWriter, status int, body workerError) {
	data, err := msgpack.Marshal(body)
	if err != nil {
		http.Error(w, body.Message, status)
		return
	}

	w.Header().Set("Content-Type", msgpackContentType)
	w.WriteHeader(status)
	w.Write(data)
}
