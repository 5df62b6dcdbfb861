package server

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/ctxswitch-asr/internal/audio"
	"github.com/skypro1111/ctxswitch-asr/internal/commit"
	"github.com/skypro1111/ctxswitch-asr/internal/config"
	"github.com/skypro1111/ctxswitch-asr/internal/engine"
	"github.com/skypro1111/ctxswitch-asr/internal/metrics"
	"github.com/skypro1111/ctxswitch-asr/internal/scheduler"
	"github.com/skypro1111/ctxswitch-asr/internal/session"
	"github.com/skypro1111/ctxswitch-asr/internal/store"
	"github.com/skypro1111/ctxswitch-asr/internal/transcript"
)

const (
	testRate  = 16000
	testFrame = 1600
)

type testEnv struct {
	config    *config.Config
	registry  *session.Registry
	scheduler *scheduler.Scheduler
	ws        *WSServer
	http      *HTTPServer
	server    *httptest.Server
	promReg   *prometheus.Registry
}

// wireMessage covers every field the server sends
type wireMessage struct {
	Type       string `json:"type"`
	ClientID   string `json:"client_id"`
	Seq        uint64 `json:"seq"`
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
	SampleRate int    `json:"sample_rate"`
	Message    string `json:"message"`
}

func newTestEnv(t *testing.T, maxSessions int) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	promReg := prometheus.NewRegistry()
	m := metrics.NewMetrics(promReg)

	cfg := config.Default()
	cfg.Server.MaxSessions = maxSessions
	cfg.Engine.APIKey = "secret-key"

	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	journal := transcript.NewJournal(mem)

	stub, err := engine.NewStub(engine.StubConfig{SampleRate: testRate, FrameDuration: 100 * time.Millisecond, LevelStep: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	policy, err := commit.NewPolicy(3 * testFrame)
	if err != nil {
		t.Fatal(err)
	}

	sched, err := scheduler.New(stub, policy, transcript.NewEmitter(journal, m, logger), scheduler.Config{
		SampleRate:      testRate,
		MaxPassDuration: time.Second,
	}, m, logger)
	if err != nil {
		t.Fatal(err)
	}

	registry, err := session.NewRegistry(session.Config{
		SampleRate:        testRate,
		MaxBufferDuration: 30 * time.Second,
		MaxSessions:       maxSessions,
		VADThreshold:      0.02,
		VADWindowSize:     512,
		Gate: audio.GateConfig{
			TriggerDuration: 250 * time.Millisecond,
			EndpointSilence: 300 * time.Millisecond,
		},
		KeepTranscripts: true,
	}, sched, journal, m, logger)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		sched.Run(ctx)
	}()

	wsServer, err := NewWSServer(&cfg.Server, testRate, registry, m, logger)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(wsServer.Handler())

	env := &testEnv{
		config:    cfg,
		registry:  registry,
		scheduler: sched,
		ws:        wsServer,
		http:      NewHTTPServer(cfg.HTTP, logger, cfg, registry, sched, wsServer, m, promReg),
		server:    server,
		promReg:   promReg,
	}

	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		wsServer.Stop(stopCtx)
		server.Close()
		registry.Stop()
		cancel()
		<-runDone
	})

	return env
}

func (e *testEnv) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + TranscriptionPath + "?client_id=" + clientID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s failed: %v", clientID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and consumes the ready greeting
func (e *testEnv) connect(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()

	conn := e.dial(t, clientID)
	msg := read(t, conn)
	if msg.Type != "ready" || msg.ClientID != clientID || msg.SampleRate != testRate {
		t.Fatalf("Expected ready greeting, got %+v", msg)
	}
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wireMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return msg
}

func sendAudio(t *testing.T, conn *websocket.Conn, samples []float32) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, audio.EncodeFloat32LE(samples)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// tone renders one 100ms frame of 440Hz tone per amplitude at rate
func tone(rate int, amplitudes ...float64) []float32 {
	frame := rate / 10
	samples := make([]float32, len(amplitudes)*frame)
	for i := range samples {
		a := amplitudes[i/frame]
		samples[i] = float32(a * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return samples
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
