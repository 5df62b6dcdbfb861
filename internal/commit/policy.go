package commit

import (
	"fmt"

	"github.com/skypro1111/ctxswitch-asr/internal/engine"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

// Policy gates candidates by trailing alignment: a candidate whose evidence
// reaches into the last Margin samples before the frontier stays pending.
type Policy struct {
	Margin int64 // Samples
}

// Result is the outcome of one commit decision
type Result struct {
	Snapshot       *snapshot.Snapshot // Updated decode context
	Final          []snapshot.Token   // Newly committed tokens, possibly empty
	Pending        []snapshot.Token   // New pending hypothesis
	PendingChanged bool               // Pending differs from the previous hypothesis
	Ignored        int                // Candidates that started before the settled position
}

// NewPolicy creates a policy with the given margin in samples
func NewPolicy(margin int64) (Policy, error) {
	if margin < 0 {
		return Policy{}, fmt.Errorf("commit margin must not be negative, got %d", margin)
	}
	return Policy{Margin: margin}, nil
}

// Apply partitions the engine output into committed and pending tokens. The
// longest prefix of candidates aligned at or before Frontier-Margin is
// committed; the remainder replaces the pending hypothesis. When final is
// set the utterance is over and every candidate is committed; the settled
// position then stops at the end of the last committed token.
//
// prev is not modified.
func (p Policy) Apply(prev *snapshot.Snapshot, out engine.Output, final bool) Result {
	next := prev.Clone()
	next.Frontier = max(prev.Frontier, out.Frontier)
	next.Passes++

	cutoff := next.Frontier - p.Margin
	if final {
		cutoff = next.Frontier
	}

	result := Result{Snapshot: next}

	candidates := make([]engine.Candidate, 0, len(out.Candidates))
	for _, c := range out.Candidates {
		if c.Start < prev.Settled {
			result.Ignored++
			continue
		}
		candidates = append(candidates, c)
	}

	n := 0
	for n < len(candidates) && candidates[n].Alignment <= cutoff {
		n++
	}

	for _, c := range candidates[:n] {
		result.Final = append(result.Final, c.Token())
	}
	pending := make([]snapshot.Token, 0, len(candidates)-n)
	for _, c := range candidates[n:] {
		pending = append(pending, c.Token())
	}

	next.Commit(result.Final)
	next.Pending = pending
	result.Pending = pending
	result.PendingChanged = !snapshot.Equal(prev.Pending, pending)

	settled := max(cutoff, prev.Settled)
	if len(pending) > 0 {
		settled = min(settled, pending[0].Start)
	}
	if final {
		// The partial frame at the frontier may still receive speech after an endpoint
		settled = prev.Settled
		if n := len(result.Final); n > 0 {
			settled = result.Final[n-1].End
		}
	}
	next.Settled = max(settled, prev.Settled)

	return result
}
