package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/commit"
	"github.com/skypro1111/ctxswitch-asr/internal/engine"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/session"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

// Config contains scheduling parameters
type Config struct {
	SampleRate      int
	MaxPassDuration time.Duration // Upper bound on audio decoded per pass
}

// Scheduler grants the shared engine to one session at a time. Sessions that
// become ready join the back of a FIFO run queue; the single consumer loop
// pops the front, runs one bounded decode pass with a full snapshot swap, and
// puts the session back at the end if it is still ready.
type Scheduler struct {
	engine  engine.Engine
	policy  commit.Policy
	emitter *transcript.Emitter
	config  Config
	limit   int // Samples per pass
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue  []*session.Session
	active *session.Session
	wake   chan struct{}

	// Statistics
	passes        uint64
	swaps         uint64
	skipped       uint64
	abandoned     uint64
	resets        uint64
	failures      uint64
	activeNow     int
	maxActive     int
	totalWait     time.Duration
	maxWait       time.Duration
	serviced      uint64
	lastServiceAt time.Time

	now func() time.Time

	step sync.Mutex // Serializes passes; held across engine calls
	mu   sync.Mutex // Guards the queue and statistics, never held across engine calls
}

// Stats represents scheduler statistics
type Stats struct {
	Engine              string        `json:"engine"`
	Passes              uint64        `json:"passes"`
	Swaps               uint64        `json:"swaps"`
	SkippedPasses       uint64        `json:"skipped_passes"`
	AbandonedSamples    uint64        `json:"abandoned_samples"`
	SnapshotResets      uint64        `json:"snapshot_resets"`
	Failures            uint64        `json:"failures"`
	QueueDepth          int           `json:"queue_depth"`
	Queue               []string      `json:"queue"`
	Active              string        `json:"active,omitempty"`
	MaxConcurrentActive int           `json:"max_concurrent_active"`
	AvgQueueWait        time.Duration `json:"avg_queue_wait"`
	MaxQueueWait        time.Duration `json:"max_queue_wait"`
	LastServiceAt       time.Time     `json:"last_service_at"`
}

// New creates a scheduler that owns the given engine handle. Nothing else may
// use the engine while the scheduler runs.
func New(e engine.Engine, policy commit.Policy, emitter *transcript.Emitter, config Config, m *metrics.Metrics, logger *slog.Logger) (*Scheduler, error) {
	if e == nil {
		return nil, fmt.Errorf("engine is required")
	}

	if emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}

	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	limit := -1
	if config.MaxPassDuration > 0 {
		limit = audio.DurationToSamples(config.MaxPassDuration, config.SampleRate)
	}

	return &Scheduler{
		engine:  e,
		policy:  policy,
		emitter: emitter,
		config:  config,
		limit:   limit,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Enqueue appends a ready Idle session to the run queue. Sessions that are
// already Queued or Active are left alone; an Active session is re-queued by
// the loop when its pass ends.
func (s *Scheduler) Enqueue(sess *session.Session) {
	s.mu.Lock()
	if !sess.Queue(s.now()) {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, sess)
	s.metrics.SetQueueDepth(len(s.queue))
	s.mu.Unlock()

	s.logger.Debug("Session queued", slog.String("client_id", sess.ID))

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Withdraw closes a session. A Queued session leaves the run queue at once
// without a pass; an Active one is torn down when its pass completes. It
// returns the session's status before the close and the samples discarded.
func (s *Scheduler) Withdraw(sess *session.Session, reason string) (session.Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, discarded := sess.Close(reason)
	if prev == session.StatusQueued {
		for i, queued := range s.queue {
			if queued == sess {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.metrics.SetQueueDepth(len(s.queue))
	}

	return prev, discarded
}

// Run services the queue until ctx is cancelled or the engine fails fatally.
// Only a fatal engine error is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started",
		slog.String("engine", s.engine.Name()),
		slog.Int64("commit_margin", s.policy.Margin),
		slog.Duration("max_pass_duration", s.config.MaxPassDuration))

	defer func() {
		s.logger.Info("Scheduler stopped", slog.Uint64("passes", s.GetStats().Passes))
	}()

	for {
		served, err := s.Step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("Engine failed fatally, stopping scheduler", slog.String("error", err.Error()))
			return err
		}

		if served {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		}
	}
}

// Step services the session at the front of the queue, if any. It reports
// whether a session was serviced.
func (s *Scheduler) Step(ctx context.Context) (bool, error) {
	s.step.Lock()
	defer s.step.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return false, nil
	}

	sess := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]

	now := s.now()
	sealed, wait, err := sess.Activate(now)
	if err != nil {
		// Withdraw removes closed sessions, so this is a bookkeeping bug
		s.mu.Unlock()
		s.logger.Warn("Dropping session in unexpected state",
			slog.String("client_id", sess.ID),
			slog.String("error", err.Error()))
		return true, nil
	}

	s.active = sess
	s.activeNow++
	s.maxActive = max(s.maxActive, s.activeNow)
	s.serviced++
	s.totalWait += wait
	s.maxWait = max(s.maxWait, wait)
	s.lastServiceAt = now
	s.metrics.SetQueueDepth(len(s.queue))
	s.metrics.SetActiveDecodes(s.activeNow)
	s.metrics.RecordQueueWait(wait.Seconds())
	s.mu.Unlock()

	next, passErr := s.runPass(ctx, sess, sealed)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil
	s.activeNow--
	s.metrics.SetActiveDecodes(s.activeNow)

	if passErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the pass; keep the previous snapshot
		sess.Release(sealed, s.now())
		return true, passErr
	}

	if passErr != nil {
		s.fail(ctx, sess, passErr)
		if errors.Is(passErr, engine.ErrFatal) {
			return true, passErr
		}
		return true, nil
	}

	switch sess.Release(next, s.now()) {
	case session.StatusQueued:
		s.queue = append(s.queue, sess)
		s.metrics.SetQueueDepth(len(s.queue))
	case session.StatusClosed:
		s.logger.Info("Session torn down after its final pass", slog.String("client_id", sess.ID))
	}

	return true, nil
}

// runPass performs the swap protocol for one session: restore, decode,
// commit, save. The engine is always unloaded before it returns.
func (s *Scheduler) runPass(ctx context.Context, sess *session.Session, sealed snapshot.Sealed) (next snapshot.Sealed, err error) {
	start := s.now()
	logger := s.logger.With(slog.String("client_id", sess.ID))

	pass, err := sess.Take(s.limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		// Taken audio is out of the buffer and the old snapshot is kept
		if err != nil && ctx.Err() != nil && len(pass.Segment.Samples) > 0 {
			s.abandon(logger, pass)
		}
	}()

	if len(pass.Segment.Samples) == 0 && !pass.Final && !pass.Endpoint {
		// Everything ready was leading silence
		s.mu.Lock()
		s.skipped++
		s.mu.Unlock()
		logger.Debug("Skipping pass, only silence was buffered", slog.Int("trimmed", pass.Trimmed))
		return sealed, nil
	}

	snap, err := snapshot.Unseal(sealed)
	if err != nil {
		reason := "version_mismatch"
		if errors.Is(err, snapshot.ErrCorrupt) {
			reason = "corrupt"
		}
		logger.Warn("Snapshot unusable, resetting decode state",
			slog.String("reason", reason),
			slog.String("error", err.Error()))
		s.countReset(reason)
		snap = snapshot.New()
	}

	if err := s.load(ctx, logger, snap); err != nil {
		return nil, err
	}
	defer s.engine.Unload()

	// An endpoint closes the utterance: the engine hears the trailing silence
	// up to Segment.Offset and the pending tail is committed
	final := pass.Final || pass.Endpoint

	out, err := s.engine.Decode(ctx, engine.Chunk{
		Offset:  pass.Segment.Offset,
		Samples: pass.Segment.Samples,
		Final:   final,
	})
	if err != nil {
		return nil, fmt.Errorf("decode failed: %w", err)
	}

	result := s.policy.Apply(snap, out, final)

	state, err := s.engine.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("save failed: %w", err)
	}
	result.Snapshot.Engine = state

	next, err = result.Snapshot.Seal()
	if err != nil {
		return nil, err
	}

	emitted := s.emitter.EmitPass(ctx, sess.Outbox(), result.Final, result.Pending, result.PendingChanged)

	duration := s.now().Sub(start)
	audioSeconds := float64(len(pass.Segment.Samples)) / float64(s.config.SampleRate)

	s.mu.Lock()
	s.passes++
	s.mu.Unlock()
	s.metrics.RecordPass(duration.Seconds(), audioSeconds, pass.Trimmed, next.Size())

	logger.Debug("Decode pass completed",
		slog.Int64("offset", pass.Segment.Offset),
		slog.Int("samples", len(pass.Segment.Samples)),
		slog.Int("trimmed", pass.Trimmed),
		slog.Bool("endpoint", pass.Endpoint),
		slog.Bool("final", pass.Final),
		slog.Int("committed", len(result.Final)),
		slog.Int("pending", len(result.Pending)),
		slog.Int("events", emitted),
		slog.Int("snapshot_bytes", next.Size()),
		slog.Duration("duration", duration))

	return next, nil
}

// abandon accounts for audio taken by a pass that shutdown interrupted
func (s *Scheduler) abandon(logger *slog.Logger, pass audio.Pass) {
	n := len(pass.Segment.Samples)

	s.mu.Lock()
	s.abandoned += uint64(n)
	s.mu.Unlock()
	s.metrics.RecordDiscarded(n)

	logger.Warn("Pass interrupted, audio abandoned",
		slog.Int64("offset", pass.Segment.Offset),
		slog.Int("samples", n))
}

// load installs the snapshot, falling back to a fresh state when the engine
// refuses it
func (s *Scheduler) load(ctx context.Context, logger *slog.Logger, snap *snapshot.Snapshot) error {
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()

	err := s.engine.Load(ctx, snap)
	if err == nil {
		return nil
	}

	if !errors.Is(err, engine.ErrIncompatibleState) {
		return fmt.Errorf("load failed: %w", err)
	}

	logger.Warn("Engine refused saved state, resetting decode state", slog.String("error", err.Error()))
	s.countReset("incompatible_state")

	// Keep positions so the fresh state starts where the old one stopped
	fresh := snapshot.New()
	fresh.Frontier = snap.Frontier
	fresh.Settled = snap.Settled
	fresh.Passes = snap.Passes
	*snap = *fresh

	if err := s.engine.Load(ctx, snap); err != nil {
		return fmt.Errorf("load of fresh state failed: %w", err)
	}
	return nil
}

func (s *Scheduler) countReset(reason string) {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	s.metrics.RecordSnapshotReset(reason)
}

// fail moves the session to Errored and notifies its client. Called with s.mu held.
func (s *Scheduler) fail(ctx context.Context, sess *session.Session, err error) {
	s.failures++

	discarded := sess.Fail(err.Error())
	s.metrics.RecordDiscarded(discarded)
	s.metrics.RecordSessionError()
	s.emitter.EmitError(ctx, sess.Outbox(), err.Error())

	s.logger.Error("Decode pass failed, session errored",
		slog.String("client_id", sess.ID),
		slog.Int("discarded_samples", discarded),
		slog.String("error", err.Error()))
}

// EngineStats returns the engine's own statistics when it reports any
func (s *Scheduler) EngineStats() (engine.Stats, bool) {
	provider, ok := s.engine.(engine.StatsProvider)
	if !ok {
		return engine.Stats{}, false
	}
	return provider.GetStats(), true
}

// EngineClientStats returns request-level statistics of a remote engine
func (s *Scheduler) EngineClientStats() (engine.RemoteStats, bool) {
	provider, ok := s.engine.(engine.ClientStatsProvider)
	if !ok {
		return engine.RemoteStats{}, false
	}
	return provider.GetClientStats(), true
}

// QueueLen returns the number of Queued sessions
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Engine:              s.engine.Name(),
		Passes:              s.passes,
		Swaps:               s.swaps,
		SkippedPasses:       s.skipped,
		AbandonedSamples:    s.abandoned,
		SnapshotResets:      s.resets,
		Failures:            s.failures,
		QueueDepth:          len(s.queue),
		Queue:               make([]string, 0, len(s.queue)),
		MaxConcurrentActive: s.maxActive,
		MaxQueueWait:        s.maxWait,
		LastServiceAt:       s.lastServiceAt,
	}

	for _, sess := range s.queue {
		stats.Queue = append(stats.Queue, sess.ID)
	}
	if s.active != nil {
		stats.Active = s.active.ID
	}
	if s.serviced > 0 {
		stats.AvgQueueWait = s.totalWait / time.Duration(s.serviced)
	}

	return stats
}
