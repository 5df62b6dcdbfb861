package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
	"github.com/skypro1111/ctxswitch-asr/internal/vad"
)

const (
	stubLevels   = 8
	unknownLevel = -1
)

var (
	stubConsonants = []string{"k", "l", "m", "n", "p", "r", "s", "t"}
	stubVowels     = []string{"a", "e", "i", "o", "u", "y"}
)

// StubConfig contains reference engine configuration
type StubConfig struct {
	SampleRate    int
	FrameDuration time.Duration // One token per speech frame
	LevelStep     float32       // RMS per quantization level; below one step is silence
}

// Stub is a deterministic reference decoder. It quantizes the energy of each
// frame on an absolute grid and emits one syllable per speech frame, chosen
// from the frame's level, its neighbors' levels and a digest of everything
// emitted before it. A frame's token is revisable until the following frame
// has been heard, which is its one frame of look-ahead.
//
// Settled frames are folded into the digest on Load, so the saved state only
// covers the unsettled window.
type Stub struct {
	config      StubConfig
	frameSize   int
	fingerprint string
	vocab       []string

	state  *stubState
	loaded bool

	// Statistics
	loads   uint64
	decodes uint64
	saves   uint64
	resets  uint64
	errors  uint64

	mu sync.RWMutex
}

type stubState struct {
	Completed   int64       `msgpack:"completed"` // Frames [0, Completed) are fully heard
	Leftover    []float32   `msgpack:"leftover"`  // Samples of frame Completed heard so far
	Frames      []stubFrame `msgpack:"frames"`    // Retained speech frames, ascending
	History     uint64      `msgpack:"history"`   // Digest of all pruned tokens
	PrunedIndex int64       `msgpack:"pruned_index"`
	PrunedLevel int         `msgpack:"pruned_level"`
}

type stubFrame struct {
	Index int64 `msgpack:"i"`
	Level int   `msgpack:"l"`
}

// NewStub creates the reference engine
func NewStub(config StubConfig) (*Stub, error) {
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}

	if config.FrameDuration <= 0 {
		return nil, fmt.Errorf("frame duration must be positive, got %v", config.FrameDuration)
	}

	if config.LevelStep <= 0 || config.LevelStep > 1 {
		return nil, fmt.Errorf("level step must be in (0, 1], got %f", config.LevelStep)
	}

	frameSize := int(int64(config.SampleRate) * int64(config.FrameDuration) / int64(time.Second))
	if frameSize <= 0 {
		return nil, fmt.Errorf("frame duration %v is shorter than one sample", config.FrameDuration)
	}

	vocab := make([]string, 0, len(stubConsonants)*len(stubVowels))
	for _, c := range stubConsonants {
		for _, v := range stubVowels {
			vocab = append(vocab, c+v)
		}
	}

	return &Stub{
		config:      config,
		frameSize:   frameSize,
		fingerprint: fmt.Sprintf("stub/v1/sr=%d/frame=%d/step=%g/vocab=%d", config.SampleRate, frameSize, config.LevelStep, len(vocab)),
		vocab:       vocab,
	}, nil
}

// Name identifies the engine
func (s *Stub) Name() string {
	return "stub"
}

// FrameSize returns the number of samples per frame
func (s *Stub) FrameSize() int {
	return s.frameSize
}

// Load installs a session's state, pruning frames that end at or before the
// snapshot's settled position
func (s *Stub) Load(ctx context.Context, snap *snapshot.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded {
		s.errors++
		return ErrAlreadyLoaded
	}

	state := &stubState{PrunedIndex: -1}
	if !snap.Engine.Empty() {
		if snap.Engine.Version != s.fingerprint {
			s.resets++
			return fmt.Errorf("%w: state from %q, engine is %q", ErrIncompatibleState, snap.Engine.Version, s.fingerprint)
		}
		if err := msgpack.Unmarshal(snap.Engine.Blob, state); err != nil {
			s.resets++
			return fmt.Errorf("%w: %v", ErrIncompatibleState, err)
		}
	}

	s.pruneLocked(state, snap.Settled)

	s.state = state
	s.loaded = true
	s.loads++
	return nil
}

// pruneLocked folds settled frames into the history digest
func (s *Stub) pruneLocked(state *stubState, settled int64) {
	n := 0
	for n < len(state.Frames) && (state.Frames[n].Index+1)*int64(s.frameSize) <= settled {
		n++
	}
	if n == 0 {
		return
	}

	h := state.History
	for i := 0; i < n; i++ {
		text := s.tokenText(state, i, h)
		h = foldText(h, text)
	}

	last := state.Frames[n-1]
	state.History = h
	state.PrunedIndex = last.Index
	state.PrunedLevel = last.Level
	state.Frames = append(state.Frames[:0], state.Frames[n:]...)
}

// Decode consumes the chunk and returns candidates for every retained frame
func (s *Stub) Decode(ctx context.Context, chunk Chunk) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.errors++
		return Output{}, ErrNotLoaded
	}

	state := s.state
	samples := chunk.Samples
	position := s.frontierLocked(state)

	switch {
	case chunk.Offset > position:
		s.skipSilenceLocked(state, chunk.Offset-position)
	case chunk.Offset < position:
		// Already heard
		overlap := position - chunk.Offset
		if overlap >= int64(len(samples)) {
			samples = nil
		} else {
			samples = samples[overlap:]
		}
	}

	for len(samples) > 0 {
		n := min(s.frameSize-len(state.Leftover), len(samples))
		state.Leftover = append(state.Leftover, samples[:n]...)
		samples = samples[n:]
		if len(state.Leftover) == s.frameSize {
			s.completeFrameLocked(state)
		}
	}

	s.decodes++
	return Output{
		Candidates: s.candidatesLocked(state),
		Frontier:   s.frontierLocked(state),
	}, nil
}

func (s *Stub) frontierLocked(state *stubState) int64 {
	return state.Completed*int64(s.frameSize) + int64(len(state.Leftover))
}

// skipSilenceLocked advances the frontier over n samples of silence without
// materializing whole silent frames
func (s *Stub) skipSilenceLocked(state *stubState, n int64) {
	if len(state.Leftover) > 0 {
		fill := min(int64(s.frameSize-len(state.Leftover)), n)
		state.Leftover = append(state.Leftover, make([]float32, fill)...)
		n -= fill
		if len(state.Leftover) == s.frameSize {
			s.completeFrameLocked(state)
		}
	}

	whole := n / int64(s.frameSize)
	state.Completed += whole
	n -= whole * int64(s.frameSize)

	if n > 0 {
		state.Leftover = append(state.Leftover, make([]float32, n)...)
	}
}

func (s *Stub) completeFrameLocked(state *stubState) {
	level := s.quantize(vad.RMS(state.Leftover))
	if level > 0 {
		state.Frames = append(state.Frames, stubFrame{Index: state.Completed, Level: level})
	}
	state.Completed++
	state.Leftover = state.Leftover[:0]
}

func (s *Stub) quantize(rms float32) int {
	level := int(math.Floor(float64(rms / s.config.LevelStep)))
	return min(level, stubLevels-1)
}

// levelAt returns the level of frame k, or unknownLevel if it is not fully heard
func (s *Stub) levelAt(state *stubState, k int64) int {
	if k < 0 {
		return 0
	}
	if k >= state.Completed {
		return unknownLevel
	}
	if k == state.PrunedIndex {
		return state.PrunedLevel
	}
	for _, f := range state.Frames {
		if f.Index == k {
			return f.Level
		}
		if f.Index > k {
			break
		}
	}
	return 0
}

func (s *Stub) tokenText(state *stubState, i int, history uint64) string {
	f := state.Frames[i]

	var buf [11]byte
	buf[0] = byte(int8(s.levelAt(state, f.Index-1)))
	buf[1] = byte(int8(f.Level))
	buf[2] = byte(int8(s.levelAt(state, f.Index+1)))
	binary.LittleEndian.PutUint64(buf[3:], history)

	h := fnv.New64a()
	h.Write(buf[:])
	return s.vocab[h.Sum64()%uint64(len(s.vocab))]
}

func foldText(history uint64, text string) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], history)

	h := fnv.New64a()
	h.Write(buf[:])
	h.Write([]byte(text))
	return h.Sum64()
}

func (s *Stub) candidatesLocked(state *stubState) []Candidate {
	frontier := s.frontierLocked(state)
	frameSize := int64(s.frameSize)

	candidates := make([]Candidate, 0, len(state.Frames))
	h := state.History
	for i, f := range state.Frames {
		text := s.tokenText(state, i, h)
		h = foldText(h, text)

		alignment := frontier
		if f.Index+1 < state.Completed {
			alignment = (f.Index + 2) * frameSize
		}

		candidates = append(candidates, Candidate{
			Text:      text,
			Start:     f.Index * frameSize,
			End:       (f.Index + 1) * frameSize,
			Alignment: alignment,
		})
	}

	return candidates
}

// Save serializes the loaded state
func (s *Stub) Save(ctx context.Context) (snapshot.EngineState, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.EngineState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		s.errors++
		return snapshot.EngineState{}, ErrNotLoaded
	}

	blob, err := msgpack.Marshal(s.state)
	if err != nil {
		s.errors++
		return snapshot.EngineState{}, fmt.Errorf("failed to encode stub state: %w", err)
	}

	s.saves++
	return snapshot.EngineState{Version: s.fingerprint, Blob: blob}, nil
}

// Unload drops the loaded state
func (s *Stub) Unload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = nil
	s.loaded = false
}

// Fingerprint returns the configuration identity stamped on saved states
func (s *Stub) Fingerprint() string {
	return s.fingerprint
}

// GetStats returns engine statistics
func (s *Stub) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Name:    s.Name(),
		Loads:   s.loads,
		Decodes: s.decodes,
		Saves:   s.saves,
		Resets:  s.resets,
		Errors:  s.errors,
		Loaded:  s.loaded,
	}
}
