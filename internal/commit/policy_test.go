package commit

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/engine"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
)

func candidate(text string, start, end, alignment int64) engine.Candidate {
	return engine.Candidate{Text: text, Start: start, End: end, Alignment: alignment}
}

func TestNewPolicy(t *testing.T) {
	if _, err := NewPolicy(-1); err == nil {
		t.Error("Expected error for negative margin")
	}

	p, err := NewPolicy(4800)
	if err != nil {
		t.Fatal(err)
	}
	if p.Margin != 4800 {
		t.Errorf("Expected margin 4800, got %d", p.Margin)
	}
}

func TestApplyMargin(t *testing.T) {
	policy := Policy{Margin: 300}
	out := engine.Output{
		Frontier: 1000,
		Candidates: []engine.Candidate{
			candidate("a", 0, 100, 200),
			candidate("b", 100, 200, 700),
			candidate("c", 200, 300, 701),
			candidate("d", 300, 400, 1000),
		},
	}

	result := policy.Apply(snapshot.New(), out, false)

	if snapshot.Join(result.Final) != "a b" {
		t.Errorf("Expected final \"a b\", got %q", snapshot.Join(result.Final))
	}
	if snapshot.Join(result.Pending) != "c d" || !result.PendingChanged {
		t.Errorf("Expected changed pending \"c d\", got %q (changed=%v)", snapshot.Join(result.Pending), result.PendingChanged)
	}

	next := result.Snapshot
	if next.Settled != 200 {
		t.Errorf("Expected settled at first pending start 200, got %d", next.Settled)
	}
	if next.Frontier != 1000 || next.Passes != 1 {
		t.Errorf("Unexpected frontier/passes %d/%d", next.Frontier, next.Passes)
	}
}

func TestApplyStopsAtFirstPending(t *testing.T) {
	// A late candidate aligned early cannot jump an uncommitted one
	policy := Policy{Margin: 100}
	out := engine.Output{
		Frontier: 1000,
		Candidates: []engine.Candidate{
			candidate("a", 0, 100, 950),
			candidate("b", 100, 200, 300),
		},
	}

	result := policy.Apply(snapshot.New(), out, false)
	if len(result.Final) != 0 || len(result.Pending) != 2 {
		t.Errorf("Expected nothing committed, got final=%v pending=%v", result.Final, result.Pending)
	}
}

func TestApplyFinalCommitsEverything(t *testing.T) {
	policy := Policy{Margin: 300}
	out := engine.Output{
		Frontier:   500,
		Candidates: []engine.Candidate{candidate("a", 0, 100, 500), candidate("b", 100, 200, 500)},
	}

	result := policy.Apply(snapshot.New(), out, true)
	if snapshot.Join(result.Final) != "a b" || len(result.Pending) != 0 {
		t.Errorf("Expected everything committed, got final=%v pending=%v", result.Final, result.Pending)
	}
	if result.Snapshot.Settled != 200 {
		t.Errorf("Expected settled at the end of the last committed token, got %d", result.Snapshot.Settled)
	}
	if result.Snapshot.CommittedCount != 2 {
		t.Errorf("Expected 2 committed tokens counted, got %d", result.Snapshot.CommittedCount)
	}
}

func TestApplyFinalKeepsPartialFrameOpen(t *testing.T) {
	// Speech resuming inside the frame that held the frontier is a new token
	policy := Policy{Margin: 300}
	first := policy.Apply(snapshot.New(), engine.Output{
		Frontier:   550,
		Candidates: []engine.Candidate{candidate("a", 0, 100, 300)},
	}, true)

	second := policy.Apply(first.Snapshot, engine.Output{
		Frontier:   1000,
		Candidates: []engine.Candidate{candidate("b", 500, 600, 700)},
	}, false)

	if second.Ignored != 0 {
		t.Errorf("Expected the resumed token kept, %d ignored", second.Ignored)
	}
	if got := second.Snapshot.CommittedText(); got != "a b" {
		t.Errorf("Expected committed \"a b\", got %q", got)
	}
}

func TestApplyIgnoresSettledRegion(t *testing.T) {
	policy := Policy{Margin: 0}
	prev := snapshot.New()
	prev.Committed = []snapshot.Token{{Text: "a", Start: 0, End: 100}}
	prev.Settled = 100
	prev.Frontier = 100

	out := engine.Output{
		Frontier:   300,
		Candidates: []engine.Candidate{candidate("x", 50, 150, 200), candidate("b", 100, 200, 300)},
	}

	result := policy.Apply(prev, out, false)
	if result.Ignored != 1 {
		t.Errorf("Expected one ignored candidate, got %d", result.Ignored)
	}
	if got := result.Snapshot.CommittedText(); got != "a b" {
		t.Errorf("Expected committed \"a b\", got %q", got)
	}
	if prev.CommittedText() != "a" {
		t.Error("Apply must not modify the previous snapshot")
	}
}

func TestApplyPendingUnchanged(t *testing.T) {
	policy := Policy{Margin: 1000}
	out := engine.Output{Frontier: 500, Candidates: []engine.Candidate{candidate("a", 0, 100, 200)}}

	first := policy.Apply(snapshot.New(), out, false)
	second := policy.Apply(first.Snapshot, out, false)

	if !first.PendingChanged {
		t.Error("Expected first hypothesis to be a change")
	}
	if second.PendingChanged {
		t.Error("Expected identical hypothesis to be unchanged")
	}
}

func TestApplySettledNeverMovesBack(t *testing.T) {
	policy := Policy{Margin: 100}
	prev := snapshot.New()
	prev.Settled = 800
	prev.Frontier = 900

	result := policy.Apply(prev, engine.Output{Frontier: 850}, false)
	if result.Snapshot.Settled != 800 || result.Snapshot.Frontier != 900 {
		t.Errorf("Positions moved back: settled=%d frontier=%d", result.Snapshot.Settled, result.Snapshot.Frontier)
	}
}

// run drives the reference engine and policy over audio split at the given sizes
func run(t *testing.T, policy Policy, audio []float32, sizes []int, check func(prev, next *snapshot.Snapshot, out engine.Output, r Result)) *snapshot.Snapshot {
	t.Helper()

	stub, err := engine.NewStub(engine.StubConfig{SampleRate: 16000, FrameDuration: 100 * time.Millisecond, LevelStep: 0.05})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	snap := snapshot.New()
	offset := 0
	for i, size := range sizes {
		end := min(offset+size, len(audio))
		final := i == len(sizes)-1

		if err := stub.Load(ctx, snap); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		out, err := stub.Decode(ctx, engine.Chunk{Offset: int64(offset), Samples: audio[offset:end], Final: final})
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		state, err := stub.Save(ctx)
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		stub.Unload()

		r := policy.Apply(snap, out, final)
		r.Snapshot.Engine = state
		if check != nil {
			check(snap, r.Snapshot, out, r)
		}
		snap = r.Snapshot
		offset = end
	}

	return snap
}

func speech(amplitudes ...float64) []float32 {
	samples := make([]float32, len(amplitudes)*1600)
	for i := range samples {
		samples[i] = float32(amplitudes[i/1600] * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return samples
}

func TestCommitIrrevocable(t *testing.T) {
	policy := Policy{Margin: 4800}
	audio := speech(0.3, 0.4, 0.5, 0, 0.2, 0.3, 0.3, 0, 0, 0.4, 0.5, 0.2, 0.3, 0, 0, 0, 0, 0)

	run(t, policy, audio, []int{1000, 3000, 2200, 5000, 800, 4000, 7000, 5800}, func(prev, next *snapshot.Snapshot, out engine.Output, r Result) {
		if next.CommittedCount != prev.CommittedCount+uint64(len(r.Final)) {
			t.Fatalf("Committed count went from %d to %d with %d new tokens", prev.CommittedCount, next.CommittedCount, len(r.Final))
		}
		kept := next.Committed[:len(next.Committed)-len(r.Final)]
		if !snapshot.Equal(kept, prev.Committed[len(prev.Committed)-len(kept):]) {
			t.Fatalf("Committed tokens were altered: %v -> %v", prev.Committed, next.Committed)
		}
		if !snapshot.Equal(next.Committed[len(kept):], r.Final) {
			t.Fatalf("New finals missing from the committed tail: %v", next.Committed)
		}

		// Nothing inside the trailing window is final unless the stream ended
		if next.Passes < 8 {
			for _, c := range out.Candidates {
				for _, tok := range r.Final {
					if tok.Start == c.Start && c.Alignment > out.Frontier-policy.Margin {
						t.Fatalf("Token %+v committed inside the margin (alignment %d, frontier %d)", tok, c.Alignment, out.Frontier)
					}
				}
			}
		}
	})
}

func TestCommitTailBounded(t *testing.T) {
	policy := Policy{Margin: 0}
	snap := snapshot.New()

	for i := int64(0); i < 3*snapshot.CommittedTail; i++ {
		out := engine.Output{
			Frontier:   (i + 1) * 100,
			Candidates: []engine.Candidate{candidate("ka", i*100, (i+1)*100, (i+1)*100)},
		}
		snap = policy.Apply(snap, out, false).Snapshot
	}

	if snap.CommittedCount != 3*snapshot.CommittedTail {
		t.Errorf("Expected %d committed, got %d", 3*snapshot.CommittedTail, snap.CommittedCount)
	}
	if len(snap.Committed) != snapshot.CommittedTail {
		t.Errorf("Expected the snapshot to keep %d tokens, got %d", snapshot.CommittedTail, len(snap.Committed))
	}
}

func TestCommitPartitionIndependent(t *testing.T) {
	policy := Policy{Margin: 4800}
	audio := speech(0.3, 0.4, 0.5, 0, 0.2, 0.3, 0.3, 0, 0, 0.4, 0.5, 0.2, 0.3, 0, 0, 0, 0, 0)

	whole := run(t, policy, audio, []int{len(audio)}, nil)
	split := run(t, policy, audio, []int{1000, 3000, 2200, 5000, 800, 4000, 7000, 5800}, nil)

	if len(whole.Committed) != 10 || whole.CommittedCount != 10 {
		t.Fatalf("Expected one token per speech frame, got %d: %q", len(whole.Committed), whole.CommittedText())
	}
	if !snapshot.Equal(whole.Committed, split.Committed) {
		t.Errorf("Committed text depends on pass boundaries:\n whole: %q\n split: %q", whole.CommittedText(), split.CommittedText())
	}
}
