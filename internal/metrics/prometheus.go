package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the decode scheduler. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	ActiveConnections prometheus.Gauge
	FramesReceived    prometheus.Counter
	MalformedFrames   prometheus.Counter
	ControlMessages   *prometheus.CounterVec
	MessagesSent      prometheus.Counter

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsRejected prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	SessionErrors    prometheus.Counter

	// Audio accounting metrics
	SamplesReceived prometheus.Counter
	SamplesDropped  prometheus.Counter
	SamplesTrimmed  prometheus.Counter

	// Scheduler metrics
	QueueDepth     prometheus.Gauge
	ActiveDecodes  prometheus.Gauge
	Passes         prometheus.Counter
	PassDuration   prometheus.Histogram
	PassAudio      prometheus.Histogram
	QueueWait      prometheus.Histogram
	SnapshotBytes  prometheus.Histogram
	SnapshotResets *prometheus.CounterVec

	// Transcript metrics
	EventsEmitted *prometheus.CounterVec
	JournalErrors prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Connection metrics
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctxasr_active_connections",
			Help: "Number of open client WebSocket connections",
		}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_control_messages_total",
			Help: "Total number of client control messages by type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_messages_sent_total",
			Help: "Total number of messages written to clients",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_frames_received_total",
			Help: "Total number of audio frames received from clients",
		}),
		MalformedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_malformed_frames_total",
			Help: "Total number of audio frames rejected as malformed",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctxasr_sessions",
			Help: "Current number of registered client sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_sessions_rejected_total",
			Help: "Total number of connections rejected for a duplicate client id or capacity",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_sessions_closed_total",
			Help: "Total number of sessions closed, by reason",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxasr_session_duration_seconds",
			Help:    "Lifetime of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		SessionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_session_errors_total",
			Help: "Total number of sessions moved to the errored state",
		}),

		// Audio accounting metrics
		SamplesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_samples_received_total",
			Help: "Total number of audio samples accepted into session buffers",
		}),
		SamplesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_samples_dropped_total",
			Help: "Total number of samples dropped on buffer overflow or discard",
		}),
		SamplesTrimmed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_samples_trimmed_total",
			Help: "Total number of leading silence samples trimmed before decoding",
		}),

		// Scheduler metrics
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctxasr_queue_depth",
			Help: "Current number of sessions queued for the engine",
		}),
		ActiveDecodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ctxasr_active_decodes",
			Help: "Number of sessions currently holding the engine (never above 1)",
		}),
		Passes: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_decode_passes_total",
			Help: "Total number of decode passes completed",
		}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxasr_pass_duration_seconds",
			Help:    "Wall time of decode passes including snapshot swap",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		PassAudio: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxasr_pass_audio_seconds",
			Help:    "Audio duration handed to the engine per pass",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~13s
		}),
		QueueWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxasr_queue_wait_seconds",
			Help:    "Time sessions spend queued before getting the engine",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		}),
		SnapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ctxasr_snapshot_bytes",
			Help:    "Size of sealed snapshots swapped out of the engine",
			Buckets: prometheus.ExponentialBuckets(64, 2, 14), // 64B to ~1MB
		}),
		SnapshotResets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_snapshot_resets_total",
			Help: "Total number of sessions reset to a fresh decode state, by reason",
		}, []string{"reason"}),

		// Transcript metrics
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_events_emitted_total",
			Help: "Total number of transcript events emitted",
		}, []string{"type", "final"}),
		JournalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "ctxasr_journal_errors_total",
			Help: "Total number of final events that could not be journaled",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ctxasr_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxasr_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrame records a received frame and whether it was accepted
func (m *Metrics) RecordFrame(malformed bool) {
	if m == nil {
		return
	}
	m.FramesReceived.Inc()
	if malformed {
		m.MalformedFrames.Inc()
	}
}

// SetActiveConnections sets the current number of client connections
func (m *Metrics) SetActiveConnections(count int) {
	if m == nil {
		return
	}
	m.ActiveConnections.Set(float64(count))
}

// RecordControlMessage records a client control message; invalid ones are
// counted under "invalid"
func (m *Metrics) RecordControlMessage(messageType string) {
	if m == nil {
		return
	}
	m.ControlMessages.WithLabelValues(messageType).Inc()
}

// RecordMessagesSent records messages written to a client
func (m *Metrics) RecordMessagesSent(count int) {
	if m == nil {
		return
	}
	m.MessagesSent.Add(float64(count))
}

// SetActiveSessions sets the current number of sessions
func (m *Metrics) SetActiveSessions(count int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

// RecordSessionRejected increments the rejected connections counter
func (m *Metrics) RecordSessionRejected() {
	if m == nil {
		return
	}
	m.SessionsRejected.Inc()
}

// RecordSessionClosed records a closed session and its lifetime
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionError increments the errored sessions counter
func (m *Metrics) RecordSessionError() {
	if m == nil {
		return
	}
	m.SessionErrors.Inc()
}

// RecordSamples records accepted and dropped samples for one push
func (m *Metrics) RecordSamples(received, dropped int) {
	if m == nil {
		return
	}
	m.SamplesReceived.Add(float64(received))
	if dropped > 0 {
		m.SamplesDropped.Add(float64(dropped))
	}
}

// RecordDiscarded records samples dropped when a session buffer is discarded
func (m *Metrics) RecordDiscarded(samples int) {
	if m == nil || samples <= 0 {
		return
	}
	m.SamplesDropped.Add(float64(samples))
}

// SetQueueDepth sets the current scheduler queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// SetActiveDecodes sets the number of sessions holding the engine
func (m *Metrics) SetActiveDecodes(count int) {
	if m == nil {
		return
	}
	m.ActiveDecodes.Set(float64(count))
}

// RecordQueueWait records how long a session waited for the engine
func (m *Metrics) RecordQueueWait(seconds float64) {
	if m == nil {
		return
	}
	m.QueueWait.Observe(seconds)
}

// RecordPass records a completed decode pass
func (m *Metrics) RecordPass(durationSeconds, audioSeconds float64, trimmed, snapshotBytes int) {
	if m == nil {
		return
	}
	m.Passes.Inc()
	m.PassDuration.Observe(durationSeconds)
	m.PassAudio.Observe(audioSeconds)
	if trimmed > 0 {
		m.SamplesTrimmed.Add(float64(trimmed))
	}
	m.SnapshotBytes.Observe(float64(snapshotBytes))
}

// RecordSnapshotReset increments the snapshot resets counter
func (m *Metrics) RecordSnapshotReset(reason string) {
	if m == nil {
		return
	}
	m.SnapshotResets.WithLabelValues(reason).Inc()
}

// RecordEvent records an emitted transcript event
func (m *Metrics) RecordEvent(eventType string, final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.EventsEmitted.WithLabelValues(eventType, label).Inc()
}

// RecordJournalError increments the journal errors counter
func (m *Metrics) RecordJournalError() {
	if m == nil {
		return
	}
	m.JournalErrors.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
