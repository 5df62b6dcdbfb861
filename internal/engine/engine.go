package engine

import (
	"context"
	"errors"

	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

var (
	// ErrFatal marks an engine failure that leaves the shared resource unusable.
	// The process is expected to exit and be restarted by its supervisor.
	ErrFatal = errors.New("engine: fatal failure")

	// ErrIncompatibleState is returned by Load when a snapshot was produced by a
	// differently configured engine
	ErrIncompatibleState = errors.New("engine: incompatible state")

	// ErrNotLoaded is returned when Decode or Save is called without a loaded snapshot
	ErrNotLoaded = errors.New("engine: no snapshot loaded")

	// ErrAlreadyLoaded is returned when Load is called while another snapshot is loaded
	ErrAlreadyLoaded = errors.New("engine: snapshot already loaded")
)

// Chunk is audio handed to the engine for one decode pass. Samples start at
// the absolute Offset; any gap since the engine's frontier is silence.
type Chunk struct {
	Offset  int64     `msgpack:"offset"`
	Samples []float32 `msgpack:"samples"`
	Final   bool      `msgpack:"final"` // No more audio follows for now
}

// End returns the absolute offset just past the chunk
func (c Chunk) End() int64 {
	return c.Offset + int64(len(c.Samples))
}

// Candidate is a token hypothesis for the unsettled region. Alignment is the
// furthest absolute sample position the token's evidence extends to.
type Candidate struct {
	Text      string `json:"text" msgpack:"text"`
	Start     int64  `json:"start" msgpack:"start"`
	End       int64  `json:"end" msgpack:"end"`
	Alignment int64  `json:"alignment" msgpack:"alignment"`
}

// Token returns the candidate without its alignment
func (c Candidate) Token() snapshot.Token {
	return snapshot.Token{Text: c.Text, Start: c.Start, End: c.End}
}

// Output is the result of one decode pass: candidates for the whole unsettled
// region in order, and the new audio frontier
type Output struct {
	Candidates []Candidate `json:"candidates" msgpack:"candidates"`
	Frontier   int64       `json:"frontier" msgpack:"frontier"`
}

// Engine is the single shared decoding resource. It holds at most one loaded
// snapshot; callers must serialize Load, Decode, Save and Unload.
type Engine interface {
	// Load installs a session's decode state. An empty engine state starts
	// fresh; ErrIncompatibleState means the state cannot be used.
	Load(ctx context.Context, snap *snapshot.Snapshot) error

	// Decode consumes a chunk and re-emits candidates for the unsettled region
	Decode(ctx context.Context, chunk Chunk) (Output, error)

	// Save captures the loaded state for the next Load
	Save(ctx context.Context) (snapshot.EngineState, error)

	// Unload releases the loaded state; safe to call when nothing is loaded
	Unload()

	// Name identifies the engine implementation
	Name() string
}

// Stats represents engine statistics
type Stats struct {
	Name    string `json:"name"`
	Loads   uint64 `json:"loads"`
	Decodes uint64 `json:"decodes"`
	Saves   uint64 `json:"saves"`
	Resets  uint64 `json:"incompatible_states"`
	Errors  uint64 `json:"errors"`
	Loaded  bool   `json:"loaded"`
}

// StatsProvider is implemented by engines that report statistics
type StatsProvider interface {
	GetStats() Stats
}

// ClientStatsProvider is implemented by engines reached over the network
type ClientStatsProvider interface {
	GetClientStats() RemoteStats
}
