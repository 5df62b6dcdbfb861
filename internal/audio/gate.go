package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/vad"
)

// GateState represents where the gate is within the current utterance
type GateState int

const (
	StateIdle GateState = iota
	StateCollecting
	StateWaitingSilence
)

func (s GateState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCollecting:
		return "collecting"
	case StateWaitingSilence:
		return "waiting_silence"
	default:
		return "unknown"
	}
}

// GateConfig contains endpointing parameters
type GateConfig struct {
	TriggerDuration time.Duration // Buffered speech that makes a session ready
	EndpointSilence time.Duration // Trailing silence that closes an utterance
}

// Gate classifies incoming audio into fixed VAD windows and decides when the
// buffered audio of one session is worth a decode pass. It never holds
// samples itself beyond one partial window; the Buffer stays the source of truth.
type Gate struct {
	config     GateConfig
	vad        *vad.Processor
	windowSize int
	trigger    int // Samples
	endpoint   int // Samples

	partial []float32
	next    int64    // Absolute offset of partial[0]
	windows []window // Classified windows not yet consumed, oldest first

	state    GateState
	trailing int // Unvoiced samples since the last voiced window
	flush    bool

	// Statistics
	utterances uint64
	triggers   uint64
	endpoints  uint64
	flushes    uint64
	trimmed    uint64

	mu sync.RWMutex
}

type window struct {
	offset int64
	voiced bool
}

// Pass describes the audio handed out for one decode pass
type Pass struct {
	Segment  Segment
	Trimmed  int  // Leading silence removed before the segment
	Endpoint bool // The pass closes an utterance
	Final    bool // A flush drained the buffer; nothing is left to look ahead at
}

// GateStats represents gate statistics
type GateStats struct {
	State      string             `json:"state"`
	Utterances uint64             `json:"utterances"`
	Triggers   uint64             `json:"triggers"`
	Endpoints  uint64             `json:"endpoints"`
	Flushes    uint64             `json:"flushes"`
	Trimmed    uint64             `json:"trimmed"`
	Pending    int                `json:"pending_windows"`
	VAD        vad.ProcessorStats `json:"vad"`
}

// NewGate creates a gate on top of a VAD processor
func NewGate(config GateConfig, processor *vad.Processor, sampleRate int) (*Gate, error) {
	if processor == nil {
		return nil, fmt.Errorf("vad processor is required")
	}

	if config.TriggerDuration <= 0 {
		return nil, fmt.Errorf("trigger duration must be positive, got %v", config.TriggerDuration)
	}

	if config.EndpointSilence <= 0 {
		return nil, fmt.Errorf("endpoint silence must be positive, got %v", config.EndpointSilence)
	}

	windowSize := processor.GetWindowSize()
	return &Gate{
		config:     config,
		vad:        processor,
		windowSize: windowSize,
		trigger:    DurationToSamples(config.TriggerDuration, sampleRate),
		endpoint:   DurationToSamples(config.EndpointSilence, sampleRate),
		partial:    make([]float32, 0, windowSize),
		state:      StateIdle,
	}, nil
}

// Observe classifies samples that were pushed into the buffer at offset
func (g *Gate) Observe(offset int64, samples []float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if offset != g.next+int64(len(g.partial)) {
		// Stream restarted at a new position
		g.partial = g.partial[:0]
		g.next = offset
	}

	for len(samples) > 0 {
		n := min(g.windowSize-len(g.partial), len(samples))
		g.partial = append(g.partial, samples[:n]...)
		samples = samples[n:]

		if len(g.partial) < g.windowSize {
			break
		}

		result, err := g.vad.Process(g.partial)
		if err != nil {
			return fmt.Errorf("VAD processing failed: %w", err)
		}

		g.windows = append(g.windows, window{offset: g.next, voiced: result.HasVoice})
		g.advanceLocked(result.HasVoice)

		g.next += int64(g.windowSize)
		g.partial = g.partial[:0]
	}

	return nil
}

func (g *Gate) advanceLocked(voiced bool) {
	switch g.state {
	case StateIdle:
		if voiced {
			g.state = StateCollecting
			g.utterances++
			g.trailing = 0
		}
	case StateCollecting:
		if !voiced {
			g.state = StateWaitingSilence
			g.trailing = g.windowSize
		}
	case StateWaitingSilence:
		if voiced {
			g.state = StateCollecting
			g.trailing = 0
		} else {
			g.trailing += g.windowSize
		}
	}
}

// Ready reports whether the buffered audio starting at head deserves a pass
func (g *Gate) Ready(head int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(head)
	return g.flush || g.triggeredLocked() || g.endpointedLocked()
}

func (g *Gate) triggeredLocked() bool {
	speech := 0
	for _, w := range g.windows {
		if w.voiced {
			speech += g.windowSize
		}
	}
	return speech > 0 && speech >= g.trigger
}

func (g *Gate) endpointedLocked() bool {
	return g.state == StateWaitingSilence && g.trailing >= g.endpoint && len(g.windows) > 0
}

// pruneLocked forgets windows that were consumed or dropped from the buffer
func (g *Gate) pruneLocked(head int64) {
	i := 0
	for i < len(g.windows) && g.windows[i].offset+int64(g.windowSize) <= head {
		i++
	}
	if i > 0 {
		g.windows = append(g.windows[:0], g.windows[i:]...)
	}
}

// Flush makes the gate ready regardless of speech so the remaining audio and
// any pending hypothesis can be finalized
func (g *Gate) Flush() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flush = true
	g.flushes++
}

// Take removes the next pass worth of audio from the buffer. Leading whole
// windows without speech are trimmed first, then at most limit samples of
// classified audio are taken. A flush takes everything, including the
// unclassified partial window.
func (g *Gate) Take(buf *Buffer, limit int) Pass {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(buf.Head())

	var pass Pass
	endpoint := g.endpointedLocked()
	if g.triggeredLocked() {
		g.triggers++
	}

	// Trim leading silence
	silent := 0
	for silent < len(g.windows) && !g.windows[silent].voiced {
		silent++
	}
	if silent > 0 {
		end := g.windows[silent-1].offset + int64(g.windowSize)
		n := buf.Trim(int(end - buf.Head()))
		pass.Trimmed = n
		g.trimmed += uint64(n)
		g.windows = append(g.windows[:0], g.windows[silent:]...)
	}

	available := 0
	if len(g.windows) > 0 {
		available = int(g.windows[len(g.windows)-1].offset + int64(g.windowSize) - buf.Head())
	}
	if g.flush {
		available = buf.Size()
	}
	if limit > 0 {
		limit -= limit % g.windowSize
		if limit == 0 {
			limit = g.windowSize
		}
		available = min(available, limit)
	}

	pass.Segment = buf.Take(available)
	g.pruneLocked(buf.Head())

	if g.flush && buf.Size() == 0 {
		pass.Final = true
		pass.Endpoint = g.state != StateIdle
		g.flush = false
		g.partial = g.partial[:0]
		g.next = buf.End()
		g.closeUtteranceLocked()
		return pass
	}

	if endpoint && len(g.windows) == 0 {
		pass.Endpoint = true
		g.endpoints++
		g.closeUtteranceLocked()
	}

	return pass
}

func (g *Gate) closeUtteranceLocked() {
	g.windows = g.windows[:0]
	g.state = StateIdle
	g.trailing = 0
}

// Reset forgets all classified audio; used when the buffer is discarded
func (g *Gate) Reset(head int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.partial = g.partial[:0]
	g.next = head
	g.flush = false
	g.closeUtteranceLocked()
	g.vad.Reset()
}

// State returns the current gate state
func (g *Gate) State() GateState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() GateStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return GateStats{
		State:      g.state.String(),
		Utterances: g.utterances,
		Triggers:   g.triggers,
		Endpoints:  g.endpoints,
		Flushes:    g.flushes,
		Trimmed:    g.trimmed,
		Pending:    len(g.windows),
		VAD:        g.vad.GetStats(),
	}
}
