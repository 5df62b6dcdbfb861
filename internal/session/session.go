package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
	"github.com/skypro1111/ctxswitch-asr/internal/vad"
)

var (
	// ErrSessionClosed is returned for operations on a closed or closing session
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionErrored is returned for audio pushed to a failed session
	ErrSessionErrored = errors.New("session errored")

	// ErrNotFound is returned when no live session has the requested id
	ErrNotFound = errors.New("session not found")

	// ErrAlreadyConnected is returned when a live session already uses the id
	ErrAlreadyConnected = errors.New("client already connected")

	// ErrTooManySessions is returned when the registry is at capacity
	ErrTooManySessions = errors.New("too many sessions")

	// ErrInvalidID is returned for unusable client ids
	ErrInvalidID = errors.New("invalid client id")

	// ErrNotActive is returned when a scheduler transition finds the session in the wrong state
	ErrNotActive = errors.New("session not in the expected state")
)

// Status is a session's scheduling state
type Status int

const (
	StatusIdle Status = iota
	StatusQueued
	StatusActive
	StatusErrored
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusQueued:
		return "queued"
	case StatusActive:
		return "active"
	case StatusErrored:
		return "errored"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client's transcription context: its audio buffer, the
// endpoint gate in front of it, and the sealed decode snapshot between passes.
//
// The scheduler drives the Idle/Queued/Active transitions; Errored and Closed
// are absorbing.
type Session struct {
	ID        string
	CreatedAt time.Time

	sampleRate int
	buffer     *audio.Buffer
	gate       *audio.Gate
	outbox     *transcript.Outbox

	status       Status
	sealed       snapshot.Sealed
	closing      bool // Close requested while Active
	closeReason  string
	lastError    string
	lastActivity time.Time
	queuedAt     time.Time

	// Statistics
	malformed uint64
	passes    uint64
	lastPass  time.Time

	mu sync.RWMutex
}

// PushResult describes one accepted chunk
type PushResult struct {
	Offset  int64 // Absolute offset of the first sample
	Samples int
	Dropped int  // Oldest samples dropped for overflow
	Ready   bool // The gate wants a decode pass
}

func newSession(id string, config Config, now time.Time) (*Session, error) {
	processor, err := vad.NewProcessor(config.VADThreshold, config.VADWindowSize, config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create VAD processor: %w", err)
	}

	if config.VADSmoothing > 0 {
		if err := processor.SetSmoothing(config.VADSmoothing); err != nil {
			return nil, err
		}
	}

	gate, err := audio.NewGate(config.Gate, processor, config.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint gate: %w", err)
	}

	return &Session{
		ID:           id,
		CreatedAt:    now,
		sampleRate:   config.SampleRate,
		buffer:       audio.NewBuffer(config.SampleRate, config.MaxBufferDuration),
		gate:         gate,
		outbox:       transcript.NewOutbox(id),
		status:       StatusIdle,
		lastActivity: now,
	}, nil
}

// Push validates and buffers a chunk. Malformed chunks leave the session
// untouched apart from its error counter.
func (s *Session) Push(chunk audio.Chunk, now time.Time) (PushResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return PushResult{}, err
	}

	if err := chunk.Validate(s.sampleRate); err != nil {
		s.malformed++
		return PushResult{}, err
	}

	offset, dropped := s.buffer.Push(chunk.Samples, now)
	if err := s.gate.Observe(offset, chunk.Samples); err != nil {
		return PushResult{}, fmt.Errorf("endpoint gate failed: %w", err)
	}
	s.lastActivity = now

	return PushResult{
		Offset:  offset,
		Samples: len(chunk.Samples),
		Dropped: dropped,
		Ready:   s.gate.Ready(s.buffer.Head()),
	}, nil
}

// Flush asks for the remaining audio and pending hypothesis to be finalized
func (s *Session) Flush(now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return false, err
	}

	s.gate.Flush()
	s.lastActivity = now
	return s.gate.Ready(s.buffer.Head()), nil
}

// Reject counts a frame the transport could not decode as audio
func (s *Session) Reject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformed++
}

func (s *Session) acceptingLocked() error {
	switch {
	case s.status == StatusClosed || s.closing:
		return ErrSessionClosed
	case s.status == StatusErrored:
		return ErrSessionErrored
	}
	return nil
}

// Queue moves an Idle session that is ready to Queued. It reports whether
// the caller should append the session to its run queue.
func (s *Session) Queue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusIdle || s.closing {
		return false
	}
	if !s.gate.Ready(s.buffer.Head()) {
		return false
	}

	s.status = StatusQueued
	s.queuedAt = now
	return true
}

// Activate moves a Queued session to Active and lends its sealed snapshot to
// the caller. It returns how long the session waited in the queue.
func (s *Session) Activate(now time.Time) (snapshot.Sealed, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusQueued {
		return nil, 0, fmt.Errorf("%w: activate from %s", ErrNotActive, s.status)
	}

	s.status = StatusActive
	return s.sealed, now.Sub(s.queuedAt), nil
}

// Take hands out the audio for the current pass; only valid while Active
func (s *Session) Take(limit int) (audio.Pass, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return audio.Pass{}, fmt.Errorf("%w: take from %s", ErrNotActive, s.status)
	}

	return s.gate.Take(s.buffer, limit), nil
}

// Release ends the Active period. The updated snapshot is stored and the
// session becomes Queued if more audio is ready, else Idle. A session closed
// while Active is torn down instead and reported as Closed.
func (s *Session) Release(sealed snapshot.Sealed, now time.Time) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusActive {
		return s.status
	}

	s.passes++
	s.lastPass = now

	if s.closing {
		s.status = StatusClosed
		s.discardLocked()
		return s.status
	}

	s.sealed = sealed
	if s.gate.Ready(s.buffer.Head()) {
		s.status = StatusQueued
		s.queuedAt = now
	} else {
		s.status = StatusIdle
	}
	return s.status
}

// Fail moves the session to Errored, discarding buffered audio and the
// pending decode state. It returns the number of samples discarded.
func (s *Session) Fail(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusClosed {
		return 0
	}

	s.lastError = reason
	if s.closing {
		s.status = StatusClosed
		return s.discardLocked()
	}

	s.status = StatusErrored
	return s.discardLocked()
}

// Close marks the session Closed and discards its state. A session that is
// Active stays Active until its pass completes and Release tears it down.
// The outbox stops accepting events immediately. It returns the status the
// session had when Close was called.
func (s *Session) Close(reason string) (Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.status
	if prev == StatusClosed || s.closing {
		return prev, 0
	}

	s.closeReason = reason
	s.outbox.Close()

	if prev == StatusActive {
		s.closing = true
		return prev, 0
	}

	s.status = StatusClosed
	return prev, s.discardLocked()
}

func (s *Session) discardLocked() int {
	n := s.buffer.Reset()
	s.gate.Reset(s.buffer.Head())
	s.sealed = nil
	return n
}

// Status returns the current scheduling state
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Closing reports whether the session is closed or will be after its pass
func (s *Session) Closing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closing || s.status == StatusClosed
}

// Outbox returns the client's outbound event queue
func (s *Session) Outbox() *transcript.Outbox {
	return s.outbox
}

// Buffer returns the session's audio buffer
func (s *Session) Buffer() *audio.Buffer {
	return s.buffer
}

// SampleRate returns the rate chunks must be pushed at
func (s *Session) SampleRate() int {
	return s.sampleRate
}

// LastActivity returns the time of the last accepted push or flush
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Snapshot decodes the resting snapshot; nil while none has been saved
func (s *Session) Snapshot() (*snapshot.Snapshot, error) {
	s.mu.RLock()
	sealed := s.sealed
	s.mu.RUnlock()

	if sealed == nil {
		return nil, nil
	}
	return snapshot.Unseal(sealed)
}

// GetSessionInfo returns session information for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := SessionInfo{
		ClientID:       s.ID,
		Status:         s.status.String(),
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.CreatedAt),
		Passes:         s.passes,
		LastPass:       s.lastPass,
		MalformedCount: s.malformed,
		LastError:      s.lastError,
		CloseReason:    s.closeReason,
		SnapshotBytes:  s.sealed.Size(),
		QueuedEvents:   s.outbox.Len(),
		Buffer:         s.buffer.GetStats(),
		Gate:           s.gate.GetStats(),
	}

	// An Active session's resting snapshot is stale until Release
	if snap, err := snapshot.Unseal(s.sealed); err == nil {
		info.Committed = snap.CommittedText()
		info.CommittedTokens = snap.CommittedCount
		info.Pending = snap.PendingText()
		info.Frontier = snap.Frontier
		info.Settled = snap.Settled
	}

	return info
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ClientID       string        `json:"client_id"`
	Status         string        `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	Passes         uint64        `json:"passes"`
	LastPass       time.Time     `json:"last_pass"`
	MalformedCount uint64        `json:"malformed_chunks"`
	LastError      string        `json:"last_error,omitempty"`
	CloseReason    string        `json:"close_reason,omitempty"`

	// Decode state. Committed holds only the recent tail; the full
	// transcript is served from the journal.
	Committed       string `json:"committed"`
	CommittedTokens uint64 `json:"committed_tokens"`
	Pending         string `json:"pending"`
	Frontier        int64  `json:"frontier"`
	Settled         int64  `json:"settled"`
	SnapshotBytes   int    `json:"snapshot_bytes"`

	QueuedEvents int               `json:"queued_events"`
	Buffer       audio.BufferStats `json:"buffer"`
	Gate         audio.GateStats   `json:"gate"`
}
