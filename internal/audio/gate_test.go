package audio

import (
	"testing"
	"time"

	"github.com/skypro1111/ctxswitch-asr/internal/vad"
)

const testWindow = 512

func newTestGate(t *testing.T) (*Gate, *Buffer) {
	t.Helper()

	processor, err := vad.NewProcessor(0.02, testWindow, 16000)
	if err != nil {
		t.Fatalf("Failed to create VAD processor: %v", err)
	}

	gate, err := NewGate(GateConfig{
		TriggerDuration: time.Second,
		EndpointSilence: 500 * time.Millisecond,
	}, processor, 16000)
	if err != nil {
		t.Fatalf("Failed to create gate: %v", err)
	}

	return gate, NewBuffer(16000, 30*time.Second)
}

func feed(t *testing.T, g *Gate, b *Buffer, samples []float32) {
	t.Helper()

	offset, _ := b.Push(samples, time.Now())
	if err := g.Observe(offset, samples); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
}

func windows(n int, amplitude float64) []float32 {
	return sine(n*testWindow, 16000, amplitude)
}

func TestNewGateValidation(t *testing.T) {
	processor, _ := vad.NewProcessor(0.02, testWindow, 16000)

	if _, err := NewGate(GateConfig{TriggerDuration: time.Second, EndpointSilence: time.Second}, nil, 16000); err == nil {
		t.Error("Expected error for missing processor")
	}
	if _, err := NewGate(GateConfig{EndpointSilence: time.Second}, processor, 16000); err == nil {
		t.Error("Expected error for zero trigger duration")
	}
	if _, err := NewGate(GateConfig{TriggerDuration: time.Second}, processor, 16000); err == nil {
		t.Error("Expected error for zero endpoint silence")
	}
}

func TestGateSilenceNeverReady(t *testing.T) {
	tests := []struct {
		name      string
		amplitude float64
	}{
		{"digital silence", 0},
		{"sub-threshold noise", 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, buffer := newTestGate(t)

			for i := 0; i < 20; i++ {
				feed(t, gate, buffer, windows(10, tt.amplitude))
				if gate.Ready(buffer.Head()) {
					t.Fatalf("Gate became ready on %s after %d windows", tt.name, (i+1)*10)
				}
			}

			if gate.State() != StateIdle {
				t.Errorf("Expected idle state, got %s", gate.State())
			}
		})
	}
}

func TestGateTriggerAndTrim(t *testing.T) {
	gate, buffer := newTestGate(t)

	feed(t, gate, buffer, windows(30, 0))
	feed(t, gate, buffer, windows(31, 0.3))
	if gate.Ready(buffer.Head()) {
		t.Fatal("Gate ready before trigger duration of speech")
	}

	feed(t, gate, buffer, windows(1, 0.3))
	if !gate.Ready(buffer.Head()) {
		t.Fatal("Gate not ready after trigger duration of speech")
	}

	pass := gate.Take(buffer, 16*testWindow)
	if pass.Trimmed != 30*testWindow {
		t.Errorf("Expected %d samples of leading silence trimmed, got %d", 30*testWindow, pass.Trimmed)
	}
	if pass.Segment.Offset != 30*testWindow {
		t.Errorf("Expected segment at %d, got %d", 30*testWindow, pass.Segment.Offset)
	}
	if len(pass.Segment.Samples) != 16*testWindow {
		t.Errorf("Expected %d samples, got %d", 16*testWindow, len(pass.Segment.Samples))
	}
	if pass.Endpoint || pass.Final {
		t.Error("Trigger pass should not close the utterance")
	}

	// 16 windows of speech remain, below the trigger
	if gate.Ready(buffer.Head()) {
		t.Error("Gate should not be ready with speech below the trigger")
	}

	stats := buffer.GetStats()
	if stats.Trimmed != 30*testWindow || stats.Consumed != 46*testWindow {
		t.Errorf("Unexpected buffer stats %+v", stats)
	}
}

func TestGateEndpoint(t *testing.T) {
	gate, buffer := newTestGate(t)

	feed(t, gate, buffer, windows(10, 0.3))
	feed(t, gate, buffer, windows(15, 0))
	if gate.Ready(buffer.Head()) {
		t.Fatal("Gate ready before endpoint silence")
	}

	feed(t, gate, buffer, windows(1, 0))
	if !gate.Ready(buffer.Head()) {
		t.Fatal("Gate not ready after endpoint silence")
	}

	pass := gate.Take(buffer, 0)
	if !pass.Endpoint {
		t.Error("Expected endpoint pass")
	}
	if pass.Trimmed != 0 || len(pass.Segment.Samples) != 26*testWindow {
		t.Errorf("Expected whole utterance with trailing silence, got trimmed=%d len=%d",
			pass.Trimmed, len(pass.Segment.Samples))
	}
	if gate.State() != StateIdle {
		t.Errorf("Expected idle after endpoint, got %s", gate.State())
	}
	if gate.Ready(buffer.Head()) {
		t.Error("Gate should not be ready after the utterance closed")
	}
	if stats := gate.GetStats(); stats.Utterances != 1 || stats.Endpoints != 1 {
		t.Errorf("Unexpected gate stats %+v", stats)
	}
}

func TestGateEndpointAfterSpeechConsumed(t *testing.T) {
	gate, buffer := newTestGate(t)

	feed(t, gate, buffer, windows(40, 0.3))
	pass := gate.Take(buffer, 40*testWindow)
	if len(pass.Segment.Samples) != 40*testWindow {
		t.Fatalf("Expected all speech taken, got %d", len(pass.Segment.Samples))
	}

	feed(t, gate, buffer, windows(16, 0))
	if !gate.Ready(buffer.Head()) {
		t.Fatal("Expected endpoint readiness from trailing silence")
	}

	pass = gate.Take(buffer, 0)
	if !pass.Endpoint {
		t.Error("Expected endpoint pass")
	}
	if len(pass.Segment.Samples) != 0 {
		t.Errorf("Expected empty segment after trimming silence, got %d samples", len(pass.Segment.Samples))
	}
	if pass.Segment.Offset != 56*testWindow {
		t.Errorf("Expected segment at end of silence, got %d", pass.Segment.Offset)
	}
	if buffer.Size() != 0 {
		t.Errorf("Expected empty buffer, got %d", buffer.Size())
	}
}

func TestGateFlush(t *testing.T) {
	gate, buffer := newTestGate(t)

	feed(t, gate, buffer, windows(5, 0.3))
	feed(t, gate, buffer, make([]float32, 100))
	if gate.Ready(buffer.Head()) {
		t.Fatal("Gate ready before flush")
	}

	gate.Flush()
	if !gate.Ready(buffer.Head()) {
		t.Fatal("Gate not ready after flush")
	}

	pass := gate.Take(buffer, 0)
	if !pass.Final {
		t.Error("Expected final pass")
	}
	if len(pass.Segment.Samples) != 5*testWindow+100 {
		t.Errorf("Expected partial window included, got %d samples", len(pass.Segment.Samples))
	}
	if gate.Ready(buffer.Head()) {
		t.Error("Flush should be cleared once drained")
	}

	// Gate keeps classifying from the new position
	feed(t, gate, buffer, windows(40, 0.3))
	if !gate.Ready(buffer.Head()) {
		t.Error("Expected gate to trigger after flush")
	}
}

func TestGateReset(t *testing.T) {
	gate, buffer := newTestGate(t)

	feed(t, gate, buffer, windows(40, 0.3))
	buffer.Reset()
	gate.Reset(buffer.End())

	if gate.Ready(buffer.Head()) {
		t.Error("Gate should not be ready after reset")
	}
	if gate.State() != StateIdle {
		t.Errorf("Expected idle after reset, got %s", gate.State())
	}
	if stats := gate.GetStats(); stats.VAD.TotalWindows != 0 {
		t.Errorf("Expected VAD state cleared, got %+v", stats.VAD)
	}
	checkAccounting(t, buffer)
}
