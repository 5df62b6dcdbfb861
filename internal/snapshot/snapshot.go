package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the current snapshot layout. Sealed snapshots of any other
// version are refused rather than guessed at.
const Version = 2

// CommittedTail is how many of the most recent committed tokens a snapshot
// keeps. Older finals live only in the transcript journal.
const CommittedTail = 64

var (
	// ErrVersionMismatch is returned when a sealed snapshot has a different layout version
	ErrVersionMismatch = errors.New("snapshot: version mismatch")

	// ErrCorrupt is returned when sealed bytes cannot be decoded
	ErrCorrupt = errors.New("snapshot: corrupt")
)

// Token is one decoded unit of text with its span in absolute sample offsets
type Token struct {
	Text  string `json:"text" msgpack:"text"`
	Start int64  `json:"start" msgpack:"start"`
	End   int64  `json:"end" msgpack:"end"`
}

// EngineState is the engine's opaque continuation state
type EngineState struct {
	Version string `json:"version" msgpack:"version"` // Engine configuration fingerprint
	Blob    []byte `json:"-" msgpack:"blob"`
}

// Empty reports whether the state carries nothing, meaning a fresh start
func (s EngineState) Empty() bool {
	return len(s.Blob) == 0
}

// Snapshot is the complete decode context of one session between passes
type Snapshot struct {
	Version        int         `json:"version" msgpack:"version"`
	Committed      []Token     `json:"committed" msgpack:"committed"`             // Most recent CommittedTail tokens
	CommittedCount uint64      `json:"committed_count" msgpack:"committed_count"` // Tokens committed since the session opened
	Pending        []Token     `json:"pending" msgpack:"pending"`
	Frontier       int64       `json:"frontier" msgpack:"frontier"` // Furthest sample the engine attended to
	Settled        int64       `json:"settled" msgpack:"settled"`   // No new token may start before this
	Engine         EngineState `json:"engine" msgpack:"engine"`
	Passes         uint64      `json:"passes" msgpack:"passes"`
}

// Sealed is the immutable resting form of a snapshot
type Sealed []byte

// New returns a fresh snapshot
func New() *Snapshot {
	return &Snapshot{Version: Version}
}

// Seal encodes the snapshot
func (s *Snapshot) Seal() (Sealed, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to seal snapshot: %w", err)
	}
	return Sealed(data), nil
}

// Unseal decodes a sealed snapshot. An empty value yields a fresh snapshot.
func Unseal(data Sealed) (*Snapshot, error) {
	if len(data) == 0 {
		return New(), nil
	}

	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if s.Version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, s.Version, Version)
	}

	return &s, nil
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Committed = append([]Token(nil), s.Committed...)
	c.Pending = append([]Token(nil), s.Pending...)
	c.Engine.Blob = append([]byte(nil), s.Engine.Blob...)
	return &c
}

// Commit appends newly final tokens and drops those that fall out of the tail
func (s *Snapshot) Commit(tokens []Token) {
	s.CommittedCount += uint64(len(tokens))
	s.Committed = append(s.Committed, tokens...)
	if over := len(s.Committed) - CommittedTail; over > 0 {
		s.Committed = append([]Token(nil), s.Committed[over:]...)
	}
}

// CommittedText joins the committed tail
func (s *Snapshot) CommittedText() string {
	return Join(s.Committed)
}

// PendingText joins the pending hypothesis
func (s *Snapshot) PendingText() string {
	return Join(s.Pending)
}

// Size returns the sealed size estimate used for swap accounting
func (s Sealed) Size() int {
	return len(s)
}

// Join concatenates token texts separated by single spaces
func Join(tokens []Token) string {
	if len(tokens) == 0 {
		return ""
	}

	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}

// Equal reports whether two token sequences are identical
func Equal(a, b []Token) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
