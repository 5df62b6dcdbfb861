package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

const maxIDLength = 128

// Scheduler is the registry's view of the context scheduler
type Scheduler interface {
	// Enqueue offers a session that became ready; it must not block
	Enqueue(s *Session)

	// Withdraw closes a session, removing it from the run queue if Queued
	Withdraw(s *Session, reason string) (Status, int)
}

// Config contains per-session parameters shared by all sessions
type Config struct {
	SampleRate        int
	MaxBufferDuration time.Duration
	MaxSessions       int // 0 means unlimited

	IdleTimeout     time.Duration // 0 disables idle expiry
	CleanupInterval time.Duration

	VADThreshold  float32
	VADWindowSize int
	VADSmoothing  float32
	Gate          audio.GateConfig

	KeepTranscripts bool // Keep journaled finals after a session closes
}

// Registry maps client ids to live sessions
type Registry struct {
	config    Config
	sessions  map[string]*Session
	scheduler Scheduler
	journal   *transcript.Journal
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}

	mu sync.RWMutex
}

// NewRegistry creates a registry and starts its idle cleanup routine. journal
// and m may be nil.
func NewRegistry(config Config, scheduler Scheduler, journal *transcript.Journal, m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.MaxBufferDuration <= 0 {
		return nil, fmt.Errorf("max buffer duration must be positive, got %v", config.MaxBufferDuration)
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	// Fail on bad VAD or gate parameters now rather than on the first connection
	if _, err := newSession("validate", config, time.Now()); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		config:    config,
		sessions:  make(map[string]*Session),
		scheduler: scheduler,
		journal:   journal,
		metrics:   m,
		logger:    logger.With("component", "registry"),
		ctx:       ctx,
		cancel:    cancel,
		cleanup:   make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r, nil
}

// ValidateID checks that a client id can key a session and its journal
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(id) > maxIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidID, maxIDLength)
	}
	if strings.ContainsAny(id, ":/") {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidID, id)
	}
	return nil
}

// Open creates the session for a newly connected client. A live session with
// the same id is never replaced.
func (r *Registry) Open(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		r.metrics.RecordSessionRejected()
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		r.metrics.RecordSessionRejected()
		r.logger.Warn("Rejecting duplicate client id", slog.String("client_id", id))
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, id)
	}

	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.metrics.RecordSessionRejected()
		r.logger.Warn("Rejecting client, registry full",
			slog.String("client_id", id),
			slog.Int("max_sessions", r.config.MaxSessions))
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, r.config.MaxSessions)
	}

	sess, err := newSession(id, r.config, time.Now())
	if err != nil {
		return nil, err
	}

	// A reconnecting client starts a new transcript
	if r.journal != nil {
		if err := r.journal.Delete(ctx, id); err != nil {
			r.logger.Warn("Failed to clear previous transcript",
				slog.String("client_id", id),
				slog.String("error", err.Error()))
		}
	}

	r.sessions[id] = sess
	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(len(r.sessions))

	r.logger.Info("Created new session",
		slog.String("client_id", id),
		slog.Int("sample_rate", r.config.SampleRate),
		slog.Int("active_sessions", len(r.sessions)))

	return sess, nil
}

// Get retrieves a live session
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, exists := r.sessions[id]
	return sess, exists
}

// Push buffers a chunk for a client and hands the session to the scheduler
// once it is ready. It never waits for a decode pass.
func (r *Registry) Push(id string, chunk audio.Chunk) (PushResult, error) {
	sess, exists := r.Get(id)
	if !exists {
		return PushResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	result, err := sess.Push(chunk, time.Now())
	r.metrics.RecordFrame(err != nil)
	if err != nil {
		return result, err
	}

	r.metrics.RecordSamples(result.Samples, result.Dropped)
	if result.Dropped > 0 {
		r.logger.Warn("Buffer overflow, dropped oldest audio",
			slog.String("client_id", id),
			slog.Int("dropped_samples", result.Dropped))
	}

	if result.Ready {
		r.scheduler.Enqueue(sess)
	}

	return result, nil
}

// Flush finalizes a client's remaining audio without closing the session
func (r *Registry) Flush(id string) error {
	sess, exists := r.Get(id)
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	ready, err := sess.Flush(time.Now())
	if err != nil {
		return err
	}

	if ready {
		r.scheduler.Enqueue(sess)
	}
	return nil
}

// Reject records an undecodable frame against a client
func (r *Registry) Reject(id string) {
	if sess, exists := r.Get(id); exists {
		sess.Reject()
	}
	r.metrics.RecordFrame(true)
}

// Close removes a client's session. Queued work is withdrawn at once; an
// Active pass finishes first and the scheduler tears the session down after.
func (r *Registry) Close(id, reason string) bool {
	r.mu.Lock()
	sess, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return false
	}

	prev, discarded := r.scheduler.Withdraw(sess, reason)

	r.metrics.RecordDiscarded(discarded)
	r.metrics.SetActiveSessions(count)
	r.metrics.RecordSessionClosed(reason, time.Since(sess.CreatedAt).Seconds())

	if !r.config.KeepTranscripts && r.journal != nil {
		if err := r.journal.Delete(context.Background(), id); err != nil {
			r.logger.Warn("Failed to delete transcript",
				slog.String("client_id", id),
				slog.String("error", err.Error()))
		}
	}

	r.logger.Info("Session closed",
		slog.String("client_id", id),
		slog.String("reason", reason),
		slog.String("status", prev.String()),
		slog.Int("discarded_samples", discarded),
		slog.Duration("duration", time.Since(sess.CreatedAt)))

	return true
}

// List returns all live sessions ordered by client id
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})
	return sessions
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Journal returns the transcript journal, or nil
func (r *Registry) Journal() *transcript.Journal {
	return r.journal
}

// Stop closes every session and stops the cleanup routine
func (r *Registry) Stop() {
	r.logger.Info("Stopping session registry...")

	for _, sess := range r.List() {
		r.Close(sess.ID, "shutdown")
	}

	r.cancel()
	<-r.cleanup

	r.logger.Info("Session registry stopped")
}

// startCleanupRoutine runs in a separate goroutine to expire idle sessions
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	if r.config.IdleTimeout <= 0 {
		<-r.ctx.Done()
		return
	}

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	r.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", r.config.IdleTimeout),
		slog.Duration("check_interval", r.config.CleanupInterval))

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Info("Session cleanup routine stopping")
			return

		case now := <-ticker.C:
			r.cleanupExpiredSessions(now)
		}
	}
}

// cleanupExpiredSessions closes sessions that have been inactive for too long
func (r *Registry) cleanupExpiredSessions(now time.Time) int {
	var expired []string

	r.mu.RLock()
	for id, sess := range r.sessions {
		if now.Sub(sess.LastActivity()) > r.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) > 0 {
		r.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
	}

	for _, id := range expired {
		r.Close(id, "idle_timeout")
	}
	return len(expired)
}
