package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a connection's mono input rate to the engine rate. It
// keeps filter state between calls, so one Resampler serves one stream.
type Resampler struct {
	inputRate  int
	outputRate int
	resampler  resampling.Resampler
}

// NewResampler creates a mono resampler. Equal rates produce a passthrough.
func NewResampler(inputRate, outputRate int) (*Resampler, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", inputRate, outputRate)
	}

	r := &Resampler{inputRate: inputRate, outputRate: outputRate}
	if inputRate == outputRate {
		return r, nil
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(inputRate),
		OutputRate: float64(outputRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	r.resampler = resampler

	return r, nil
}

// Process resamples one chunk of samples
func (r *Resampler) Process(samples []float32) ([]float32, error) {
	if r.resampler == nil {
		return samples, nil
	}

	input := make([]float64, len(samples))
	for i, sample := range samples {
		input[i] = float64(sample)
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resampling failed: %w", err)
	}

	result := make([]float32, len(output))
	for i, sample := range output {
		// Filter ringing can overshoot full scale slightly
		result[i] = float32(max(-1, min(1, sample)))
	}

	return result, nil
}

// InputRate returns the rate this resampler accepts
func (r *Resampler) InputRate() int {
	return r.inputRate
}

// OutputRate returns the rate this resampler produces
func (r *Resampler) OutputRate() int {
	return r.outputRate
}
