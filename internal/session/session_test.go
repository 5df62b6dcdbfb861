package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/snapshot"
	"github.com/skypro1111/ctxswitch-asr/internal/store"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

const (
	testRate   = 16000
	testWindow = 512
)

// fakeScheduler queues sessions without ever running a pass
type fakeScheduler struct {
	queued    []*Session
	withdrawn []string
	mu        sync.Mutex
}

func (f *fakeScheduler) Enqueue(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.Queue(time.Now()) {
		f.queued = append(f.queued, s)
	}
}

func (f *fakeScheduler) Withdraw(s *Session, reason string) (Status, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, s.ID)
	return s.Close(reason)
}

func (f *fakeScheduler) queueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queued)
}

func testConfig() Config {
	return Config{
		SampleRate:        testRate,
		MaxBufferDuration: 10 * time.Second,
		VADThreshold:      0.02,
		VADWindowSize:     testWindow,
		Gate: audio.GateConfig{
			TriggerDuration: time.Second,
			EndpointSilence: 500 * time.Millisecond,
		},
		KeepTranscripts: true,
	}
}

func newTestRegistry(t *testing.T, config Config) (*Registry, *fakeScheduler) {
	t.Helper()

	sched := &fakeScheduler{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := NewRegistry(config, sched, nil, nil, logger)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	t.Cleanup(registry.Stop)

	return registry, sched
}

func tone(seconds float64, amplitude float64) audio.Chunk {
	n := int(seconds * testRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*440*float64(i)/testRate))
	}
	return audio.Chunk{Samples: samples, SampleRate: testRate, Channels: 1}
}

func checkAccounting(t *testing.T, s *Session) {
	t.Helper()
	stats := s.Buffer().GetStats()
	if stats.Received != stats.Consumed+stats.Buffered+stats.Dropped {
		t.Fatalf("Accounting broken: received=%d consumed=%d buffered=%d dropped=%d",
			stats.Received, stats.Consumed, stats.Buffered, stats.Dropped)
	}
}

func TestNewRegistryValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero buffer", func(c *Config) { c.MaxBufferDuration = 0 }},
		{"bad threshold", func(c *Config) { c.VADThreshold = 2 }},
		{"zero trigger", func(c *Config) { c.Gate.TriggerDuration = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			tt.modify(&config)
			if _, err := NewRegistry(config, &fakeScheduler{}, nil, nil, logger); err == nil {
				t.Error("Expected error")
			}
		})
	}

	if _, err := NewRegistry(testConfig(), nil, nil, nil, logger); err == nil {
		t.Error("Expected error for missing scheduler")
	}
}

func TestOpenRejectsDuplicates(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig())
	ctx := context.Background()

	first, err := registry.Open(ctx, "user")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := registry.Open(ctx, "user"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Expected ErrAlreadyConnected, got %v", err)
	}

	if got, _ := registry.Get("user"); got != first {
		t.Error("Duplicate open must not replace the live session")
	}

	registry.Close("user", "disconnect")
	if _, err := registry.Open(ctx, "user"); err != nil {
		t.Errorf("Expected reconnect after close to succeed, got %v", err)
	}
}

func TestOpenValidation(t *testing.T) {
	config := testConfig()
	config.MaxSessions = 1
	registry, _ := newTestRegistry(t, config)
	ctx := context.Background()

	for _, id := range []string{"", "a:b", "a/b", string(make([]byte, maxIDLength+1))} {
		if _, err := registry.Open(ctx, id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Expected ErrInvalidID for %q, got %v", id, err)
		}
	}

	if _, err := registry.Open(ctx, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := registry.Open(ctx, "two"); !errors.Is(err, ErrTooManySessions) {
		t.Errorf("Expected ErrTooManySessions, got %v", err)
	}
}

func TestPushMalformed(t *testing.T) {
	registry, sched := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	bad := []audio.Chunk{
		{Samples: []float32{0.1}, SampleRate: 8000, Channels: 1},
		{Samples: []float32{0.1, 0.1}, SampleRate: testRate, Channels: 2},
		{Samples: []float32{float32(math.NaN())}, SampleRate: testRate, Channels: 1},
		{Samples: []float32{1.5}, SampleRate: testRate, Channels: 1},
	}

	for _, chunk := range bad {
		if _, err := registry.Push("user", chunk); !errors.Is(err, audio.ErrMalformedChunk) {
			t.Errorf("Expected ErrMalformedChunk, got %v", err)
		}
	}

	info := sess.GetSessionInfo()
	if info.MalformedCount != uint64(len(bad)) {
		t.Errorf("Expected %d malformed chunks counted, got %d", len(bad), info.MalformedCount)
	}
	if info.Buffer.Received != 0 || sess.Status() != StatusIdle || sched.queueLen() != 0 {
		t.Error("Malformed chunks must leave the session unaffected")
	}

	// The session keeps working
	if _, err := registry.Push("user", tone(0.1, 0.3)); err != nil {
		t.Errorf("Expected valid chunk accepted, got %v", err)
	}

	if _, err := registry.Push("ghost", tone(0.1, 0.3)); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSilenceNeverQueued(t *testing.T) {
	registry, sched := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "quiet")

	// Low noise well under the threshold, far longer than the trigger
	for i := 0; i < 30; i++ {
		if _, err := registry.Push("quiet", tone(0.5, 0.005)); err != nil {
			t.Fatal(err)
		}
		checkAccounting(t, sess)
	}

	if sess.Status() != StatusIdle || sched.queueLen() != 0 {
		t.Errorf("Silent session must stay Idle, got %s with %d queued", sess.Status(), sched.queueLen())
	}
}

func TestSpeechQueuesOnce(t *testing.T) {
	registry, sched := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	result, err := registry.Push("user", tone(0.5, 0.3))
	if err != nil {
		t.Fatal(err)
	}
	if result.Ready || sess.Status() != StatusIdle {
		t.Fatal("Half a second of speech must not trigger")
	}

	for i := 0; i < 4; i++ {
		if _, err := registry.Push("user", tone(0.5, 0.3)); err != nil {
			t.Fatal(err)
		}
	}

	if sess.Status() != StatusQueued {
		t.Fatalf("Expected Queued, got %s", sess.Status())
	}
	if sched.queueLen() != 1 {
		t.Errorf("Expected session queued exactly once, got %d", sched.queueLen())
	}
	checkAccounting(t, sess)
}

func TestPassLifecycle(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	registry.Push("user", tone(1.5, 0.3))
	if sess.Status() != StatusQueued {
		t.Fatalf("Expected Queued, got %s", sess.Status())
	}

	if _, err := sess.Take(-1); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected Take outside Active to fail, got %v", err)
	}

	sealed, _, err := sess.Activate(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if sealed != nil {
		t.Error("Expected no snapshot before the first pass")
	}
	if _, _, err := sess.Activate(time.Now()); !errors.Is(err, ErrNotActive) {
		t.Error("Expected double activation to fail")
	}

	// Audio keeps arriving while Active
	if _, err := registry.Push("user", tone(0.2, 0.3)); err != nil {
		t.Fatalf("Push while Active failed: %v", err)
	}

	pass, err := sess.Take(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pass.Segment.Samples) == 0 {
		t.Fatal("Expected audio for the pass")
	}
	checkAccounting(t, sess)

	snap := snapshot.New()
	snap.Commit([]snapshot.Token{{Text: "ba", Start: 0, End: 1600}})
	next, _ := snap.Seal()

	if status := sess.Release(next, time.Now()); status != StatusIdle {
		t.Errorf("Expected Idle after release, got %s", status)
	}

	restored, err := sess.Snapshot()
	if err != nil || restored.CommittedText() != "ba" {
		t.Errorf("Expected stored snapshot, got %+v (%v)", restored, err)
	}
	if info := sess.GetSessionInfo(); info.Passes != 1 || info.Committed != "ba" || info.CommittedTokens != 1 {
		t.Errorf("Unexpected info %+v", info)
	}
}

func TestCloseWhileQueued(t *testing.T) {
	registry, sched := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	registry.Push("user", tone(1.5, 0.3))
	if sess.Status() != StatusQueued {
		t.Fatalf("Expected Queued, got %s", sess.Status())
	}

	if !registry.Close("user", "disconnect") {
		t.Fatal("Expected close to succeed")
	}
	if registry.Close("user", "disconnect") {
		t.Error("Expected second close to report missing session")
	}

	if sess.Status() != StatusClosed {
		t.Errorf("Expected Closed, got %s", sess.Status())
	}
	stats := sess.Buffer().GetStats()
	if stats.Buffered != 0 || stats.Discarded != stats.Received {
		t.Errorf("Expected buffered audio discarded, got %+v", stats)
	}
	checkAccounting(t, sess)

	if len(sched.withdrawn) != 1 {
		t.Errorf("Expected one withdrawal, got %v", sched.withdrawn)
	}
	if _, err := sess.Push(tone(0.1, 0.3), time.Now()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
}

func TestCloseWhileActive(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	registry.Push("user", tone(1.5, 0.3))
	sess.Activate(time.Now())

	registry.Close("user", "disconnect")
	if sess.Status() != StatusActive {
		t.Fatalf("Active session must finish its pass, got %s", sess.Status())
	}
	if !sess.Closing() {
		t.Error("Expected session marked closing")
	}

	select {
	case <-sess.Outbox().Done():
	default:
		t.Error("Expected outbox closed immediately")
	}

	if _, err := sess.Take(-1); err != nil {
		t.Fatalf("The in-flight pass may still take audio: %v", err)
	}

	sealed, _ := snapshot.New().Seal()
	if status := sess.Release(sealed, time.Now()); status != StatusClosed {
		t.Errorf("Expected teardown to Closed, got %s", status)
	}
	if snap, _ := sess.Snapshot(); snap != nil {
		t.Error("Expected snapshot discarded on teardown")
	}
	checkAccounting(t, sess)
}

func TestFail(t *testing.T) {
	registry, _ := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	registry.Push("user", tone(1.5, 0.3))
	sess.Activate(time.Now())

	discarded := sess.Fail("decode failed")
	if discarded == 0 {
		t.Error("Expected buffered audio discarded")
	}
	if sess.Status() != StatusErrored {
		t.Fatalf("Expected Errored, got %s", sess.Status())
	}
	checkAccounting(t, sess)

	if _, err := registry.Push("user", tone(0.1, 0.3)); !errors.Is(err, ErrSessionErrored) {
		t.Errorf("Expected ErrSessionErrored, got %v", err)
	}
	if sess.Queue(time.Now()) {
		t.Error("Errored session must never be queued again")
	}
	if info := sess.GetSessionInfo(); info.LastError != "decode failed" {
		t.Errorf("Expected last error recorded, got %q", info.LastError)
	}

	// Errored sessions can still be closed
	registry.Close("user", "disconnect")
	if sess.Status() != StatusClosed {
		t.Errorf("Expected Closed, got %s", sess.Status())
	}
}

func TestFlushQueuesRemainder(t *testing.T) {
	registry, sched := newTestRegistry(t, testConfig())
	sess, _ := registry.Open(context.Background(), "user")

	registry.Push("user", tone(0.3, 0.3))
	if sess.Status() != StatusIdle {
		t.Fatal("Short speech must not trigger")
	}

	if err := registry.Flush("user"); err != nil {
		t.Fatal(err)
	}
	if sess.Status() != StatusQueued || sched.queueLen() != 1 {
		t.Errorf("Expected flush to queue the session, got %s", sess.Status())
	}

	if err := registry.Flush("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBufferOverflowAccounted(t *testing.T) {
	config := testConfig()
	config.MaxBufferDuration = time.Second
	config.Gate.TriggerDuration = 5 * time.Second
	registry, _ := newTestRegistry(t, config)
	sess, _ := registry.Open(context.Background(), "user")

	var dropped int
	for i := 0; i < 6; i++ {
		result, err := registry.Push("user", tone(0.5, 0.3))
		if err != nil {
			t.Fatal(err)
		}
		dropped += result.Dropped
		checkAccounting(t, sess)
	}

	stats := sess.Buffer().GetStats()
	if dropped == 0 || stats.Dropped != uint64(dropped) {
		t.Errorf("Expected drops reported, got %d (stats %d)", dropped, stats.Dropped)
	}
	if stats.Buffered != testRate {
		t.Errorf("Expected buffer capped at one second, got %d", stats.Buffered)
	}
}

func TestIdleCleanup(t *testing.T) {
	config := testConfig()
	config.IdleTimeout = time.Minute
	registry, _ := newTestRegistry(t, config)
	ctx := context.Background()

	registry.Open(ctx, "stale")
	fresh, _ := registry.Open(ctx, "fresh")

	stale, _ := registry.Get("stale")
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	if n := registry.cleanupExpiredSessions(time.Now()); n != 1 {
		t.Errorf("Expected one expired session, got %d", n)
	}
	if _, ok := registry.Get("stale"); ok {
		t.Error("Expected stale session removed")
	}
	if got, ok := registry.Get("fresh"); !ok || got != fresh {
		t.Error("Expected fresh session kept")
	}
	if stale.GetSessionInfo().CloseReason != "idle_timeout" {
		t.Error("Expected idle timeout recorded as close reason")
	}
}

func TestReconnectClearsJournal(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	journal := transcript.NewJournal(mem)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	registry, err := NewRegistry(testConfig(), &fakeScheduler{}, journal, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer registry.Stop()

	ctx := context.Background()
	sess, _ := registry.Open(ctx, "user")

	emitter := transcript.NewEmitter(journal, nil, logger)
	emitter.EmitPass(ctx, sess.Outbox(), []snapshot.Token{{Text: "ba"}}, nil, false)

	registry.Close("user", "disconnect")
	if text, _ := journal.Text(ctx, "user"); text != "ba" {
		t.Errorf("Expected transcript kept after close, got %q", text)
	}

	registry.Open(ctx, "user")
	if text, _ := journal.Text(ctx, "user"); text != "" {
		t.Errorf("Expected a new transcript on reconnect, got %q", text)
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		StatusIdle:    "idle",
		StatusQueued:  "queued",
		StatusActive:  "active",
		StatusErrored: "errored",
		StatusClosed:  "closed",
		Status(42):    "unknown",
	}
	for status, want := range tests {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
