package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Processor provides energy-based Voice Activity Detection over fixed-size windows
// of normalized float32 samples
type Processor struct {
	threshold  float32 // RMS level at or above which a window counts as speech
	windowSize int     // Samples per window (512 = 32ms at 16kHz)
	sampleRate int

	// Smoothing applied to the raw probability (0 disables it)
	smoothing  float32
	lastResult float32

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// VADResult represents the result of voice activity detection for one window
type VADResult struct {
	Probability float32   `json:"probability"`  // Voice probability (0.0 - 1.0)
	HasVoice    bool      `json:"has_voice"`    // Whether voice was detected
	Confidence  float32   `json:"confidence"`   // Confidence in the result
	Energy      float32   `json:"energy"`       // RMS energy of the window
	WindowIndex int       `json:"window_index"` // Window index processed
	Timestamp   time.Time `json:"timestamp"`
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float32   `json:"threshold"`
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(threshold float32, windowSize int, sampleRate int) (*Processor, error) {
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be in (0, 1], got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	return &Processor{
		threshold:  threshold,
		windowSize: windowSize,
		sampleRate: sampleRate,
	}, nil
}

// SetSmoothing sets the exponential smoothing factor applied across windows.
// A factor of 0 (the default) reports each window independently.
func (p *Processor) SetSmoothing(factor float32) error {
	if factor < 0 || factor >= 1 {
		return fmt.Errorf("smoothing must be in [0, 1), got %f", factor)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.smoothing = factor
	return nil
}

// Process processes a window of audio samples and returns voice activity probability
func (p *Processor) Process(samples []float32) (*VADResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(samples) != p.windowSize {
		return nil, fmt.Errorf("expected %d samples, got %d", p.windowSize, len(samples))
	}

	energy := RMS(samples)

	// Probability 0.5 sits exactly on the threshold
	probability := float32(0.5 * float64(energy) / float64(p.threshold))
	if probability > 1 {
		probability = 1
	}

	if p.smoothing > 0 && p.totalWindows > 0 {
		probability = (1-p.smoothing)*probability + p.smoothing*p.lastResult
	}
	p.lastResult = probability

	hasVoice := probability >= 0.5

	p.totalWindows++
	if hasVoice {
		p.voiceWindows++
	}
	p.lastProcessed = time.Now()

	// Higher when the probability is far from the decision point
	confidence := float32(math.Abs(float64(probability-0.5))) * 2

	return &VADResult{
		Probability: probability,
		HasVoice:    hasVoice,
		Confidence:  confidence,
		Energy:      energy,
		WindowIndex: int(p.totalWindows - 1),
		Timestamp:   p.lastProcessed,
	}, nil
}

// RMS returns the root-mean-square energy of the samples
func RMS(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	return float32(math.Sqrt(energy / float64(len(samples))))
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.threshold,
	}
}

// Reset resets the processor state and statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.lastResult = 0
	p.lastProcessed = time.Time{}
}

// GetWindowSize returns the window size in samples
func (p *Processor) GetWindowSize() int {
	return p.windowSize
}
