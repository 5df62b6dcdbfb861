package vad

import (
	"math"
	"testing"
)

func tone(n int, amplitude float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = amplitude * float32(math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return samples
}

func TestNewProcessor(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if stats := processor.GetStats(); stats.Threshold != 0.02 {
		t.Errorf("Expected threshold 0.02, got %f", stats.Threshold)
	}

	if processor.GetWindowSize() != 512 {
		t.Errorf("Expected window size 512, got %d", processor.GetWindowSize())
	}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name       string
		threshold  float32
		windowSize int
		sampleRate int
		expectErr  bool
	}{
		{name: "valid parameters", threshold: 0.02, windowSize: 512, sampleRate: 16000},
		{name: "zero threshold", threshold: 0, windowSize: 512, sampleRate: 16000, expectErr: true},
		{name: "threshold too high", threshold: 1.1, windowSize: 512, sampleRate: 16000, expectErr: true},
		{name: "zero window size", threshold: 0.02, windowSize: 0, sampleRate: 16000, expectErr: true},
		{name: "negative sample rate", threshold: 0.02, windowSize: 512, sampleRate: -1, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProcessor(tt.threshold, tt.windowSize, tt.sampleRate)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestProcessDetectsSpeechAndSilence(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	result, err := processor.Process(tone(512, 0.3))
	if err != nil {
		t.Fatalf("Failed to process tone: %v", err)
	}
	if !result.HasVoice {
		t.Errorf("Expected voice for loud tone, probability=%f energy=%f", result.Probability, result.Energy)
	}

	result, err = processor.Process(make([]float32, 512))
	if err != nil {
		t.Fatalf("Failed to process silence: %v", err)
	}
	if result.HasVoice {
		t.Errorf("Expected no voice for silence, probability=%f", result.Probability)
	}
	if result.WindowIndex != 1 {
		t.Errorf("Expected window index 1, got %d", result.WindowIndex)
	}

	stats := processor.GetStats()
	if stats.TotalWindows != 2 || stats.VoiceWindows != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if stats.VoicePercentage != 50 {
		t.Errorf("Expected 50%% voice, got %f", stats.VoicePercentage)
	}
}

func TestProcessSubThresholdNoise(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	for i := 0; i < 20; i++ {
		result, err := processor.Process(tone(512, 0.01))
		if err != nil {
			t.Fatalf("Failed to process window %d: %v", i, err)
		}
		if result.HasVoice {
			t.Fatalf("Window %d: sub-threshold noise detected as voice (energy %f)", i, result.Energy)
		}
	}
}

func TestProcessWrongSampleCount(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if _, err := processor.Process(make([]float32, 256)); err == nil {
		t.Error("Expected error for wrong sample count")
	}
}

func TestSmoothing(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	if err := processor.SetSmoothing(1.5); err == nil {
		t.Error("Expected error for smoothing factor out of range")
	}
	if err := processor.SetSmoothing(0.5); err != nil {
		t.Fatalf("Failed to set smoothing: %v", err)
	}

	if _, err := processor.Process(tone(512, 0.3)); err != nil {
		t.Fatal(err)
	}
	// Smoothed probability stays above the decision point for one silent window
	result, err := processor.Process(make([]float32, 512))
	if err != nil {
		t.Fatal(err)
	}
	if !result.HasVoice {
		t.Errorf("Expected smoothing to hold voice for one window, probability=%f", result.Probability)
	}
}

func TestReset(t *testing.T) {
	processor, err := NewProcessor(0.02, 512, 16000)
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}

	if _, err := processor.Process(tone(512, 0.3)); err != nil {
		t.Fatal(err)
	}

	processor.Reset()
	if stats := processor.GetStats(); stats.TotalWindows != 0 || stats.VoiceWindows != 0 {
		t.Errorf("Expected stats reset, got %+v", stats)
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("Expected zero RMS for empty input")
	}
	samples := []float32{0.5, -0.5, 0.5, -0.5}
	if got := RMS(samples); math.Abs(float64(got)-0.5) > 1e-6 {
		t.Errorf("Expected RMS 0.5, got %f", got)
	}
}
