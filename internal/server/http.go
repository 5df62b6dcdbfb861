package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/ctxswitch-asr/internal/config"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/scheduler"
	"github.com/skypro1111/ctxswitch-asr/internal/session"
)

// Version is reported by the monitoring API
var Version = "dev"

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server    *http.Server
	logger    *slog.Logger
	config    *config.Config
	registry  *session.Registry
	scheduler *scheduler.Scheduler
	wsServer  *WSServer
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer backs /metrics; nil
// serves the default registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	registry *session.Registry, sched *scheduler.Scheduler, wsServer *WSServer,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With("component", "http_server"),
		config:    appConfig,
		registry:  registry,
		scheduler: sched,
		wsServer:  wsServer,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the API's HTTP handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	schedStats := h.scheduler.GetStats()

	components := map[string]interface{}{
		"scheduler": map[string]interface{}{
			"status":                "running",
			"queue_depth":           schedStats.QueueDepth,
			"active":                schedStats.Active,
			"max_concurrent_active": schedStats.MaxConcurrentActive,
			"failures":              schedStats.Failures,
		},
		"sessions": map[string]interface{}{
			"status": "running",
			"active": h.registry.Count(),
		},
	}

	if engineStats, ok := h.scheduler.EngineStats(); ok {
		engineComponent := map[string]interface{}{
			"status":  "running",
			"name":    engineStats.Name,
			"decodes": engineStats.Decodes,
			"errors":  engineStats.Errors,
		}
		if clientStats, ok := h.scheduler.EngineClientStats(); ok {
			engineComponent["success_rate"] = clientStats.SuccessRate
			engineComponent["retries"] = clientStats.TotalRetries
		}
		components["engine"] = engineComponent
	}

	if h.wsServer != nil {
		wsStats := h.wsServer.GetStatistics()
		components["ws_server"] = map[string]interface{}{
			"status":             "running",
			"active_connections": wsStats.ActiveConnections,
			"frames_received":    wsStats.FramesReceived,
			"frames_rejected":    wsStats.FramesRejected,
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "ctxswitch-asr",
			"version": Version,
		},
		"components": components,
	})
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.registry.List()
	sessionInfos := make([]session.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sessionInfos = append(sessionInfos, sess.GetSessionInfo())
	}

	writeJSON(w, map[string]interface{}{
		"total_sessions": len(sessionInfos),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessionInfos,
	})
}

// handleSessionDetail implements /sessions/{id} and /sessions/{id}/transcript
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientID, sub, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if clientID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}
	if err := session.ValidateID(clientID); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	switch sub {
	case "":
		sess, exists := h.registry.Get(clientID)
		if !exists {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, sess.GetSessionInfo())
	case "transcript":
		h.handleTranscript(w, r, clientID)
	default:
		http.NotFound(w, r)
	}
}

// handleTranscript returns the journaled final transcript of a client. It
// outlives the session when the journal keeps closed transcripts.
func (h *HTTPServer) handleTranscript(w http.ResponseWriter, r *http.Request, clientID string) {
	journal := h.registry.Journal()
	if journal == nil {
		http.Error(w, "Transcript journal disabled", http.StatusNotFound)
		return
	}

	events, err := journal.List(r.Context(), clientID)
	if err != nil {
		h.logger.Error("Failed to read transcript",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		http.Error(w, "Failed to read transcript", http.StatusInternalServerError)
		return
	}

	_, live := h.registry.Get(clientID)
	if len(events) == 0 && !live {
		http.Error(w, "Transcript not found", http.StatusNotFound)
		return
	}

	texts := make([]string, 0, len(events))
	for _, ev := range events {
		texts = append(texts, ev.Text)
	}

	writeJSON(w, map[string]interface{}{
		"client_id": clientID,
		"live":      live,
		"text":      strings.Join(texts, " "),
		"events":    events,
		"timestamp": time.Now().UTC(),
	})
}

// handleConfig implements the /config endpoint. Secrets are excluded by the
// config's JSON tags.
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.config)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"scheduler": h.scheduler.GetStats(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Count(),
		},
	}

	if clientStats, ok := h.scheduler.EngineClientStats(); ok {
		stats["engine"] = clientStats
	} else if engineStats, ok := h.scheduler.EngineStats(); ok {
		stats["engine"] = engineStats
	}
	if h.wsServer != nil {
		stats["ws"] = h.wsServer.GetStatistics()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]interface{}{
		"service": "Context-switching speech decode scheduler",
		"version": Version,
		"endpoints": map[string]interface{}{
			"GET /":                         "API documentation",
			"GET /health":                   "Service health check",
			"GET /sessions":                 "List all live sessions",
			"GET /sessions/{id}":            "Get detailed session information",
			"GET /sessions/{id}/transcript": "Get the journaled final transcript",
			"GET /config":                   "Get service configuration",
			"GET /stats":                    "Get scheduler, engine and transport statistics",
			"GET /metrics":                  "Prometheus metrics",
		},
		"websocket": TranscriptionPath + "?client_id={id}",
		"timestamp": time.Now().UTC(),
	})
}
